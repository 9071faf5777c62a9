package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/zulandar/senderyard/internal/models"
)

func newPersonCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "person",
		Short: "Outreach target management commands",
	}

	cmd.AddCommand(newPersonAddCmd())
	cmd.AddCommand(newPersonListCmd())
	return cmd
}

func newPersonAddCmd() *cobra.Command {
	var (
		configPath string
		person     models.Person
	)

	cmd := &cobra.Command{
		Use:   "add <profile-url>",
		Short: "Add or update an outreach target",
		Long:  "Adds a person by profile URL. An existing person with the same URL keeps its ID and has its details refreshed.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			person.LinkedInURL = args[0]
			return runPersonAdd(cmd, configPath, person)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Senderyard config file")
	cmd.Flags().StringVar(&person.ID, "id", "", "explicit person ID (generated when omitted)")
	cmd.Flags().StringVarP(&person.WorkspaceID, "workspace", "w", "", "workspace the person belongs to")
	cmd.Flags().StringVar(&person.Name, "name", "", "full name")
	cmd.Flags().StringVar(&person.Headline, "headline", "", "profile headline")
	cmd.Flags().StringVar(&person.Company, "company", "", "current company")
	return cmd
}

func runPersonAdd(cmd *cobra.Command, configPath string, person models.Person) error {
	ctx := context.Background()
	s, err := openStack(ctx, configPath)
	if err != nil {
		return err
	}
	defer s.close()

	stored, err := s.queue.AddPerson(ctx, person)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Person %s: %s\n", stored.ID, stored.LinkedInURL)
	return nil
}

func newPersonListCmd() *cobra.Command {
	var (
		configPath string
		workspace  string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List outreach targets",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPersonList(cmd, configPath, workspace)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Senderyard config file")
	cmd.Flags().StringVarP(&workspace, "workspace", "w", "", "only people in this workspace")
	return cmd
}

func runPersonList(cmd *cobra.Command, configPath, workspace string) error {
	ctx := context.Background()
	s, err := openStack(ctx, configPath)
	if err != nil {
		return err
	}
	defer s.close()

	people, err := s.queue.ListPeople(ctx, workspace)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(people) == 0 {
		fmt.Fprintln(out, "No people found.")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tWORKSPACE\tNAME\tCOMPANY\tPROFILE")
	for _, p := range people {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", p.ID, orDash(p.WorkspaceID), orDash(p.Name), orDash(p.Company), p.LinkedInURL)
	}
	return w.Flush()
}
