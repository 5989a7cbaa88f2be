package main

import (
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/guarzo/civictrack/common/model"
	"github.com/guarzo/civictrack/modules/reports"
)

// upload is a local file opened for a multipart request.
type upload struct {
	*os.File
	name        string
	contentType string
}

func openUpload(path string) (*upload, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	ct := mime.TypeByExtension(filepath.Ext(path))
	if ct == "" {
		ct = "application/octet-stream"
	}
	return &upload{File: f, name: filepath.Base(path), contentType: ct}, nil
}

func parseID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid issue id %q", arg)
	}
	return id, nil
}

func newIssuesCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "issues",
		Short: "List, report and manage issues",
	}
	cmd.AddCommand(
		newIssuesListCmd(a),
		newIssuesNearbyCmd(a),
		newIssuesGetCmd(a),
		newIssuesCreateCmd(a),
		newIssuesUpdateCmd(a),
		newIssuesClaimCmd(a),
		newIssuesLikeCmd(a),
		newIssuesFlagCmd(a),
	)
	return cmd
}

func newIssuesListCmd(a *app) *cobra.Command {
	var status, category string
	var retry bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List issues",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter := reports.ListFilter{Status: model.Status(status), Category: model.Category(category)}
			var (
				issues []model.Issue
				err    error
			)
			if retry {
				issues, err = a.reports.ListIssuesWithRetry(cmd.Context(), filter)
			} else {
				issues, err = a.reports.ListIssues(cmd.Context(), filter)
			}
			if err != nil {
				return err
			}
			return printJSON(cmd, issues)
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "only issues with this status")
	cmd.Flags().StringVar(&category, "category", "", "only issues in this category")
	cmd.Flags().BoolVar(&retry, "retry", false, "retry with backoff when the backend answers 5xx")
	return cmd
}

func newIssuesNearbyCmd(a *app) *cobra.Command {
	var lat, lon, radius float64
	cmd := &cobra.Command{
		Use:   "nearby",
		Short: "List issues around a point",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			issues, err := a.reports.NearbyIssues(cmd.Context(), lat, lon, radius)
			if err != nil {
				return err
			}
			return printJSON(cmd, issues)
		},
	}
	cmd.Flags().Float64Var(&lat, "lat", 0, "latitude")
	cmd.Flags().Float64Var(&lon, "lon", 0, "longitude")
	cmd.Flags().Float64Var(&radius, "radius", reports.DefaultRadiusKm, "radius in km")
	_ = cmd.MarkFlagRequired("lat")
	_ = cmd.MarkFlagRequired("lon")
	return cmd
}

func newIssuesGetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "get ID",
		Short: "Show one issue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			issue, err := a.reports.GetIssue(cmd.Context(), id)
			if err != nil {
				return err
			}
			return printJSON(cmd, issue)
		},
	}
}

func newIssuesCreateCmd(a *app) *cobra.Command {
	var (
		in                 model.IssueInput
		category, priority string
		lat, lon           float64
		photoPath          string
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Report a new issue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			in.Category = model.Category(category)
			in.Priority = model.Priority(priority)
			if cmd.Flags().Changed("lat") && cmd.Flags().Changed("lon") {
				la, lo := model.Coordinate(lat), model.Coordinate(lon)
				in.Latitude, in.Longitude = &la, &lo
			}

			var photo *reports.Photo
			if photoPath != "" {
				f, err := openUpload(photoPath)
				if err != nil {
					return err
				}
				defer f.Close()
				photo = &reports.Photo{FileName: f.name, ContentType: f.contentType, Content: f}
			}

			issue, err := a.reports.CreateIssue(cmd.Context(), in, photo)
			if err != nil {
				return err
			}
			return printJSON(cmd, issue)
		},
	}
	cmd.Flags().StringVar(&in.Title, "title", "", "short title")
	cmd.Flags().StringVar(&in.Description, "description", "", "what is wrong")
	cmd.Flags().StringVar(&category, "category", "", "road, garbage, water, electricity, sewage, lighting, pollution, traffic or other")
	cmd.Flags().StringVar(&in.Location, "location", "", "human readable location")
	cmd.Flags().Float64Var(&lat, "lat", 0, "latitude")
	cmd.Flags().Float64Var(&lon, "lon", 0, "longitude")
	cmd.Flags().StringVar(&priority, "priority", "", "low, medium, high or urgent")
	cmd.Flags().BoolVar(&in.IsAnonymous, "anonymous", false, "hide the reporter's name")
	cmd.Flags().StringVar(&photoPath, "photo", "", "image file to attach")
	return cmd
}

func newIssuesUpdateCmd(a *app) *cobra.Command {
	var title, description, category, location, priority, status, feedback string
	cmd := &cobra.Command{
		Use:   "update ID",
		Short: "Change fields of an issue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			var upd model.IssueUpdate
			flags := cmd.Flags()
			if flags.Changed("title") {
				upd.Title = &title
			}
			if flags.Changed("description") {
				upd.Description = &description
			}
			if flags.Changed("category") {
				c := model.Category(category)
				upd.Category = &c
			}
			if flags.Changed("location") {
				upd.Location = &location
			}
			if flags.Changed("priority") {
				p := model.Priority(priority)
				upd.Priority = &p
			}
			if flags.Changed("status") {
				s := model.Status(status)
				upd.Status = &s
			}
			if flags.Changed("feedback") {
				upd.Feedback = &feedback
			}

			issue, err := a.reports.UpdateIssue(cmd.Context(), id, upd)
			if err != nil {
				return err
			}
			return printJSON(cmd, issue)
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "new title")
	cmd.Flags().StringVar(&description, "description", "", "new description")
	cmd.Flags().StringVar(&category, "category", "", "new category")
	cmd.Flags().StringVar(&location, "location", "", "new location")
	cmd.Flags().StringVar(&priority, "priority", "", "new priority")
	cmd.Flags().StringVar(&status, "status", "", "new status, e.g. resolved")
	cmd.Flags().StringVar(&feedback, "feedback", "", "resolution feedback")
	return cmd
}

func newIssuesClaimCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "claim ID",
		Short: "Assign an issue to yourself (providers only)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			issue, err := a.reports.ClaimIssue(cmd.Context(), id)
			if err != nil {
				return err
			}
			return printJSON(cmd, issue)
		},
	}
}

func newIssuesLikeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "like ID",
		Short: "Upvote an issue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			n, err := a.reports.LikeIssue(cmd.Context(), id)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "issue %d has %d likes\n", id, n)
			return nil
		},
	}
}

func newIssuesFlagCmd(a *app) *cobra.Command {
	var reason, comment string
	cmd := &cobra.Command{
		Use:   "flag ID",
		Short: "Report an issue for moderation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			flag, err := a.reports.FlagIssue(cmd.Context(), id, model.FlagReason(reason), comment)
			if err != nil {
				return err
			}
			return printJSON(cmd, flag)
		},
	}
	cmd.Flags().StringVar(&reason, "reason", string(model.FlagOther), "inappropriate, spam, duplicate or other")
	cmd.Flags().StringVar(&comment, "comment", "", "details for the moderators")
	return cmd
}

func newPredictCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "predict DESCRIPTION",
		Short: "Suggest a category for an issue description",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pred, err := a.reports.PredictCategory(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, pred)
		},
	}
}
