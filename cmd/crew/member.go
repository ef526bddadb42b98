package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/crewbase/crew/internal/roster"
	"github.com/crewbase/crew/internal/ui"
)

var memberCmd = &cobra.Command{
	Use:   "member",
	Short: "Manage team members",
}

var (
	memberName   string
	memberEmail  string
	memberRole   string
	memberTags   []string
	memberJoined string
)

var memberAddCmd = &cobra.Command{
	Use:   "add <id>",
	Short: "Add or update a team member",
	Long: `Add a member to the roster, or update an existing one.

The member is written to .crew/members/<id>.json and mirrored into the
active store. The --joined flag accepts natural language dates:

  crew member add dana --name "Dana Whitfield" --joined "last monday"
  crew member add raj --role engineer --joined 2025-11-03`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		w, err := openWorkspace()
		if err != nil {
			exitErr("%v", err)
		}
		ctx := context.Background()

		db, err := w.openActiveStore(ctx)
		if err != nil {
			exitErr("%v", err)
		}
		defer db.Close()

		svc, err := w.rosterService(db)
		if err != nil {
			exitErr("%v", err)
		}

		id := args[0]
		member := &roster.Member{
			ID:    id,
			Name:  memberName,
			Email: memberEmail,
			Role:  memberRole,
			Tags:  memberTags,
		}
		if member.Name == "" {
			member.Name = id
		}

		// Updates keep the original created_at.
		if existing, err := svc.Get(ctx, id); err == nil {
			member.CreatedAt = existing.CreatedAt
			if member.Email == "" {
				member.Email = existing.Email
			}
			if member.Role == "" {
				member.Role = existing.Role
			}
			if member.Tags == nil {
				member.Tags = existing.Tags
			}
			if existing.JoinedAt != nil {
				member.JoinedAt = existing.JoinedAt
			}
		}

		if memberJoined != "" {
			joined, err := parseJoined(memberJoined)
			if err != nil {
				exitErr("%v", err)
			}
			member.JoinedAt = &joined
		}

		if err := svc.Add(ctx, member); err != nil {
			exitErr("%v", err)
		}
		fmt.Println(ui.Successf("Added %s (%s)", member.Name, member.ID))
	},
}

var memberListOutput string

var memberListCmd = &cobra.Command{
	Use:   "list",
	Short: "List team members from the active store",
	Run: func(cmd *cobra.Command, args []string) {
		w, err := openWorkspace()
		if err != nil {
			exitErr("%v", err)
		}
		ctx := context.Background()

		db, err := w.openActiveStore(ctx)
		if err != nil {
			exitErr("%v", err)
		}
		defer db.Close()

		svc, err := w.rosterService(db)
		if err != nil {
			exitErr("%v", err)
		}
		members, err := svc.List(ctx)
		if err != nil {
			exitErr("%v", err)
		}

		if memberListOutput == "yaml" {
			out, err := yaml.Marshal(members)
			if err != nil {
				exitErr("%v", err)
			}
			fmt.Print(string(out))
			return
		}

		if len(members) == 0 {
			fmt.Println(ui.Styles.Muted.Render("No members yet. Add one with 'crew member add'."))
			return
		}

		fmt.Printf("%s (%d members, %s store)\n",
			ui.Styles.Title.Render(w.manifest.Workspace), len(members), w.manifest.ActiveStore)
		for _, m := range members {
			line := fmt.Sprintf("  %-16s %-24s %s", m.ID, m.Name, m.Role)
			if len(m.Tags) > 0 {
				line += "  " + ui.Styles.Muted.Render("["+strings.Join(m.Tags, ", ")+"]")
			}
			fmt.Println(strings.TrimRight(line, " "))
		}
	},
}

var memberRemoveYes bool

var memberRemoveCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Remove a team member",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		w, err := openWorkspace()
		if err != nil {
			exitErr("%v", err)
		}
		ctx := context.Background()
		id := args[0]

		db, err := w.openActiveStore(ctx)
		if err != nil {
			exitErr("%v", err)
		}
		defer db.Close()

		svc, err := w.rosterService(db)
		if err != nil {
			exitErr("%v", err)
		}

		member, err := svc.Get(ctx, id)
		if err != nil {
			exitErr("%v", err)
		}

		if !memberRemoveYes {
			var confirmed bool
			prompt := huh.NewConfirm().
				Title(fmt.Sprintf("Remove %s (%s) from the roster?", member.Name, member.ID)).
				Value(&confirmed)
			if err := prompt.Run(); err != nil {
				exitErr("%v", err)
			}
			if !confirmed {
				fmt.Println("Aborted.")
				os.Exit(0)
			}
		}

		if err := svc.Remove(ctx, id); err != nil {
			exitErr("%v", err)
		}
		fmt.Println(ui.Successf("Removed %s", id))
	},
}

// parseJoined accepts natural language ("last monday", "two weeks ago") or
// a plain 2006-01-02 date.
func parseJoined(s string) (time.Time, error) {
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t.UTC(), nil
	}

	parser := when.New(nil)
	parser.Add(en.All...)
	parser.Add(common.All...)

	result, err := parser.Parse(s, time.Now())
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse date %q: %w", s, err)
	}
	if result == nil {
		return time.Time{}, fmt.Errorf("could not understand date %q (try 2006-01-02)", s)
	}
	return result.Time.UTC(), nil
}

func init() {
	memberAddCmd.Flags().StringVar(&memberName, "name", "", "display name (defaults to the ID)")
	memberAddCmd.Flags().StringVar(&memberEmail, "email", "", "email address")
	memberAddCmd.Flags().StringVar(&memberRole, "role", "", "role, e.g. engineer, manager")
	memberAddCmd.Flags().StringSliceVar(&memberTags, "tag", nil, "tags (repeatable)")
	memberAddCmd.Flags().StringVar(&memberJoined, "joined", "", "join date, natural language accepted")

	memberListCmd.Flags().StringVar(&memberListOutput, "output", "", "output format: yaml")

	memberRemoveCmd.Flags().BoolVarP(&memberRemoveYes, "yes", "y", false, "skip the confirmation prompt")

	memberCmd.AddCommand(memberAddCmd)
	memberCmd.AddCommand(memberListCmd)
	memberCmd.AddCommand(memberRemoveCmd)
	rootCmd.AddCommand(memberCmd)
}
