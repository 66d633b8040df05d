package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var personCmd = &cobra.Command{
	Use:   "person",
	Short: "Name and look up persons",
}

var personRenameCmd = &cobra.Command{
	Use:   "rename <person-id> <name>",
	Short: "Set the display name of a person",
	Long: `Set the display name of a person. Remaining arguments are joined, so quoting
the name is optional.

Examples:
  face-clusterer person rename 3f2a... Jana Nováková`,
	Args: cobra.MinimumNArgs(2),
	RunE: runPersonRename,
}

var personFindCmd = &cobra.Command{
	Use:   "find <name>",
	Short: "Find persons by name, ignoring case and diacritics",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runPersonFind,
}

func init() {
	rootCmd.AddCommand(personCmd)
	personCmd.AddCommand(personRenameCmd)
	personCmd.AddCommand(personFindCmd)

	personFindCmd.Flags().Bool("json", false, "Output as JSON")
}

func runPersonRename(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	sess, err := openSession(ctx, false)
	if err != nil {
		return err
	}
	defer closeSession(ctx, sess)

	name := strings.Join(args[1:], " ")
	if err := sess.svc.RenamePerson(ctx, args[0], name); err != nil {
		return err
	}
	fmt.Printf("Person %s is now %q\n", args[0], strings.TrimSpace(name))
	return nil
}

// PersonOutput is the JSON form of a person.
type PersonOutput struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func runPersonFind(cmd *cobra.Command, args []string) error {
	jsonOutput := mustGetBool(cmd, "json")
	ctx := context.Background()

	sess, err := openSession(ctx, false)
	if err != nil {
		return err
	}
	defer closeSession(ctx, sess)

	persons, err := sess.svc.FindPersons(ctx, strings.Join(args, " "))
	if err != nil {
		return err
	}

	if jsonOutput {
		out := make([]PersonOutput, 0, len(persons))
		for _, p := range persons {
			out = append(out, PersonOutput{ID: p.ID, Name: p.Name})
		}
		return outputJSON(out)
	}

	if len(persons) == 0 {
		fmt.Println("No matching persons.")
		return nil
	}
	for _, p := range persons {
		fmt.Printf("%s  %s\n", p.ID, p.Name)
	}
	return nil
}
