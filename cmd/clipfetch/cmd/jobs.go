package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/psantana5/clip-prefetch/pkg/api"
	"github.com/psantana5/clip-prefetch/pkg/client"
	"github.com/psantana5/clip-prefetch/pkg/models"
	"github.com/psantana5/clip-prefetch/pkg/store"
)

var (
	// Job list flags
	listOwner  string
	listClip   string
	listStatus string
	listLimit  int

	submitOwner  string
	followStatus bool
)

// jobsCmd represents the jobs command
var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Manage prefetch jobs of a running service",
	Long:  `Commands for submitting, listing and cancelling prefetch jobs through the clipfetch API.`,
}

var jobsSubmitCmd = &cobra.Command{
	Use:   "submit <path>",
	Short: "Ask the service to prefetch a clip",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsSubmit,
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded jobs, newest first",
	Args:  cobra.NoArgs,
	RunE:  runJobsList,
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Get job status",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsStatus,
}

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel [job-id]",
	Short: "Cancel one job, or every running job when no ID is given",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runJobsCancel,
}

var jobsCloseCmd = &cobra.Command{
	Use:   "close-session <owner>",
	Short: "Stop the job of an editor session that is going away",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsClose,
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsSubmitCmd, jobsListCmd, jobsStatusCmd, jobsCancelCmd, jobsCloseCmd)

	jobsSubmitCmd.Flags().StringVar(&submitOwner, "owner", "cli", "editor session that owns the job")

	jobsListCmd.Flags().StringVar(&listOwner, "owner", "", "only jobs of this session")
	jobsListCmd.Flags().StringVar(&listClip, "clip", "", "only jobs of this clip")
	jobsListCmd.Flags().StringVar(&listStatus, "status", "", "only jobs in this state")
	jobsListCmd.Flags().IntVar(&listLimit, "limit", 50, "maximum number of jobs")

	jobsStatusCmd.Flags().BoolVar(&followStatus, "follow", false, "poll job status until it finishes")
}

func printJSON(v interface{}) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	fmt.Println(string(out))
	return nil
}

func runJobsSubmit(cmd *cobra.Command, args []string) error {
	clip, err := buildClip(args[0])
	if err != nil {
		return err
	}
	if _, err := models.ParseRenderSize(renderSize); err != nil {
		return err
	}

	c, err := newClient()
	if err != nil {
		return err
	}
	resp, err := c.Submit(cmd.Context(), api.PrefetchRequest{
		Owner:      submitOwner,
		Clip:       clip,
		SceneStart: sceneStart,
		SceneEnd:   sceneEnd,
		Frame:      currentFrame,
		RenderSize: renderSize,
		Undistort:  undistorted,
		Fallback:   fallback,
	})
	if err != nil {
		return err
	}

	if IsJSONOutput() {
		return printJSON(resp)
	}
	displayJob(resp.Job)
	if resp.Started {
		fmt.Printf("\nPrefetch started: %s\n", resp.Job.ID)
	} else {
		fmt.Printf("\nNothing to prefetch\n")
	}
	return nil
}

func runJobsList(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	jobs, err := c.List(cmd.Context(), store.Filter{
		Owner:  listOwner,
		ClipID: listClip,
		Status: models.JobStatus(listStatus),
		Limit:  listLimit,
	})
	if err != nil {
		return err
	}
	result := struct {
		Jobs  []*models.JobRecord `json:"jobs"`
		Count int                 `json:"count"`
	}{jobs, len(jobs)}

	if IsJSONOutput() {
		return printJSON(result)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("ID", "Owner", "Clip", "Status", "Progress", "Frames", "Stop", "Created")
	for _, job := range result.Jobs {
		stop := string(job.StopReason)
		if stop == "" {
			stop = "-"
		}
		table.Append(
			shortID(job.ID),
			job.Owner,
			job.ClipID,
			string(job.Status),
			fmt.Sprintf("%.0f%%", job.Progress*100),
			fmt.Sprintf("%d", job.FramesDecoded),
			stop,
			job.CreatedAt.Format("2006-01-02 15:04:05"),
		)
	}
	table.Render()
	fmt.Printf("\nTotal jobs: %d\n", result.Count)
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func runJobsStatus(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	id := args[0]
	if !followStatus {
		rec, err := c.Job(cmd.Context(), id)
		if err != nil {
			return err
		}
		if IsJSONOutput() {
			return printJSON(rec)
		}
		displayJob(rec)
		return nil
	}

	fmt.Printf("Following job %s (press Ctrl+C to stop)...\n\n", id)
	for {
		rec, err := c.Job(cmd.Context(), id)
		if err != nil {
			return err
		}
		if models.IsTerminalState(rec.Status) {
			if IsJSONOutput() {
				return printJSON(rec)
			}
			displayJob(rec)
			return nil
		}
		fmt.Printf("\r%s: %5.1f%%", rec.Status, rec.Progress*100)

		select {
		case <-cmd.Context().Done():
			fmt.Println()
			return nil
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func displayJob(rec *models.JobRecord) {
	if rec == nil {
		return
	}
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Field", "Value")
	table.Append("Job", rec.ID)
	table.Append("Owner", rec.Owner)
	table.Append("Clip", rec.ClipID)
	table.Append("Status", string(rec.Status))
	table.Append("Range", fmt.Sprintf("%d..%d from %d", rec.Range.Start, rec.Range.End, rec.Range.Initial))
	table.Append("Workers", fmt.Sprintf("%d", rec.Workers))
	table.Append("Progress", fmt.Sprintf("%.1f%%", rec.Progress*100))
	table.Append("Frames", fmt.Sprintf("%d decoded, %d failed", rec.FramesDecoded, rec.FramesFailed))
	if rec.StopReason != models.StopNone {
		table.Append("Stop reason", string(rec.StopReason))
	}
	table.Append("Created", rec.CreatedAt.Format(time.RFC3339))
	if rec.CompletedAt != nil {
		table.Append("Completed", rec.CompletedAt.Format(time.RFC3339))
	}
	table.Render()

	if len(rec.Transitions) > 0 {
		fmt.Println()
		history := tablewriter.NewWriter(os.Stdout)
		history.Header("From", "To", "At", "Reason")
		for _, t := range rec.Transitions {
			history.Append(string(t.From), string(t.To), t.Timestamp.Format("15:04:05.000"), t.Reason)
		}
		history.Render()
	}
}

func runJobsCancel(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	if len(args) == 0 {
		if err := c.CancelAll(cmd.Context()); err != nil {
			return err
		}
		fmt.Println("Cancel requested for all running jobs")
		return nil
	}

	id := args[0]
	if err := c.Cancel(cmd.Context(), id); err != nil {
		if client.IsNotFound(err) {
			return fmt.Errorf("job %s is not running", id)
		}
		return err
	}
	fmt.Printf("Cancel requested for job %s\n", id)
	return nil
}

func runJobsClose(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	owner := args[0]
	stopped, err := c.CloseSession(cmd.Context(), owner)
	if err != nil {
		return err
	}
	if stopped {
		fmt.Printf("Stopped the job of session %s\n", owner)
	} else {
		fmt.Printf("Session %s had no running job\n", owner)
	}
	return nil
}
