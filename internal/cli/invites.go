package cli

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"bongard-study-service/internal/app"
	"bongard-study-service/internal/config"
	"github.com/spf13/cobra"
)

var inviteColumns = []string{"participant_id", "email", "assigned_group", "invite_link", "invite_code"}

type inviteOptions struct {
	Host      string
	ExpiresIn time.Duration
	// Groups are handed out round-robin to rows without a group column.
	Groups []int
}

// NewInvitesCmd groups invite management commands.
func NewInvitesCmd(configPath *string) *cobra.Command {
	var (
		in          string
		out         string
		host        string
		expiresDays int
		groups      []int
	)
	generate := &cobra.Command{
		Use:   "generate",
		Short: "Create participants and invite links from a CSV of emails",
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

			src, err := os.Open(in)
			if err != nil {
				return err
			}
			defer src.Close()

			var dst io.Writer = cmd.OutOrStdout()
			if out != "" {
				f, err := os.Create(out)
				if err != nil {
					return err
				}
				defer f.Close()
				dst = f
			}

			n, err := generateInvites(cmd.Context(), rt.service, src, dst, inviteOptions{
				Host:      host,
				ExpiresIn: time.Duration(expiresDays) * 24 * time.Hour,
				Groups:    groups,
			})
			if err != nil {
				return err
			}
			log.Printf("generated %d invites", n)
			return nil
		},
	}
	generate.Flags().StringVar(&in, "in", "", "input CSV with email[,enrollment[,group]] rows")
	generate.Flags().StringVar(&out, "out", "", "output CSV (default stdout)")
	generate.Flags().StringVar(&host, "host", "http://localhost:5173", "base URL for invite links")
	generate.Flags().IntVar(&expiresDays, "expires-days", 30, "days until invites expire, 0 for never")
	generate.Flags().IntSliceVar(&groups, "groups", nil, "groups assigned round-robin when a row has none")
	_ = generate.MarkFlagRequired("in")

	cmd := &cobra.Command{
		Use:   "invites",
		Short: "Manage participant invites",
	}
	cmd.AddCommand(generate)
	return cmd
}

// generateInvites reads email[,enrollment[,group]] rows and writes one invite
// row per valid email. A header row starting with "email" is skipped.
func generateInvites(ctx context.Context, svc *app.StudyService, r io.Reader, w io.Writer, opts inviteOptions) (int, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	writer := csv.NewWriter(w)
	if err := writer.Write(inviteColumns); err != nil {
		return 0, err
	}

	host := strings.TrimRight(opts.Host, "/")
	written, line := 0, 0
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return written, err
		}
		line++
		if len(record) == 0 || strings.TrimSpace(record[0]) == "" {
			continue
		}
		if line == 1 && strings.EqualFold(strings.TrimSpace(record[0]), "email") {
			continue
		}
		email := record[0]
		if !strings.Contains(email, "@") {
			log.Printf("line %d: skipping invalid email %q", line, email)
			continue
		}

		var enrollment string
		if len(record) > 1 {
			enrollment = record[1]
		}
		group := 0
		if len(record) > 2 && strings.TrimSpace(record[2]) != "" {
			group, err = strconv.Atoi(strings.TrimSpace(record[2]))
			if err != nil {
				return written, fmt.Errorf("line %d: invalid group %q", line, record[2])
			}
		} else if len(opts.Groups) > 0 {
			group = opts.Groups[written%len(opts.Groups)]
		}

		invitee, err := svc.EnsureInvitee(ctx, email, enrollment, group)
		if err != nil {
			return written, fmt.Errorf("line %d: %w", line, err)
		}
		inv, err := svc.CreateInvite(ctx, invitee.Participant, opts.ExpiresIn)
		if err != nil {
			return written, fmt.Errorf("line %d: %w", line, err)
		}
		if err := writer.Write([]string{
			inv.ParticipantID,
			inv.Email,
			strconv.Itoa(inv.AssignedGroup),
			host + "/invite/" + inv.Code,
			inv.Code,
		}); err != nil {
			return written, err
		}
		written++
	}
	writer.Flush()
	return written, writer.Error()
}
