package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"bongard-study-service/internal/app"
	"bongard-study-service/internal/config"
	"github.com/spf13/cobra"
)

// NewAssignCmd prints the assignment a participant would receive.
func NewAssignCmd(configPath *string) *cobra.Command {
	var (
		participant string
		group       int
		asJSON      bool
	)
	cmd := &cobra.Command{
		Use:   "assign",
		Short: "Preview a participant's question assignment",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			rt, err := newRuntime(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer rt.Close()
			return printAssignment(cmd.Context(), cmd.OutOrStdout(), rt.service, participant, group, asJSON)
		},
	}
	cmd.Flags().StringVar(&participant, "participant", "", "participant id")
	cmd.Flags().IntVar(&group, "group", 1, "assigned group")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full assignment as JSON")
	_ = cmd.MarkFlagRequired("participant")
	return cmd
}

func printAssignment(ctx context.Context, w io.Writer, svc *app.StudyService, participant string, group int, asJSON bool) error {
	view, err := svc.BuildAssignment(ctx, participant, group)
	if err != nil {
		return err
	}
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(view)
	}

	counts := map[string]int{}
	for _, q := range view.Questions {
		counts[q.Category]++
	}
	categories := make([]string, 0, len(counts))
	for c := range counts {
		categories = append(categories, c)
	}
	sort.Strings(categories)

	fmt.Fprintf(w, "participant %s group %d: %d questions\n", view.ParticipantID, view.AssignedGroup, view.TotalQuestions)
	for _, c := range categories {
		fmt.Fprintf(w, "  %-8s %d\n", c, counts[c])
	}
	for i, q := range view.Questions {
		fmt.Fprintf(w, "%3d  %-8s %s\n", i+1, q.Category, q.ID)
	}
	return nil
}
