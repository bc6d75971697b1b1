package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/psantana5/data-flywheel/pkg/models"
)

var (
	// Job submit flags
	workloadID     string
	clientID       string
	candidatesFile string

	// Job status flags
	followStatus bool
)

// jobsCmd represents the jobs command
var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Manage flywheel jobs",
	Long:  `Commands for submitting, inspecting and canceling flywheel jobs.`,
}

var jobsSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a new flywheel job",
	Long:  `Submit a flywheel job for a (workload, client) dataset with candidate models read from a YAML file.`,
	RunE:  runJobsSubmit,
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status [job-id]",
	Short: "Get job status",
	Long:  `Retrieve the status of a specific job by its ID. If no ID is provided, lists all jobs.`,
	Args:  cobra.MaximumNArgs(1),
	RunE:  runJobsStatus,
}

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a job",
	Long:  `Request cancellation of a running job.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsCancel,
}

var jobsReportCmd = &cobra.Command{
	Use:   "report <job-id>",
	Short: "Show the comparison report for a completed job",
	Long:  `Retrieve the promotion report: per-candidate scores against the baseline and the recommended candidate.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsReport,
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsSubmitCmd)
	jobsCmd.AddCommand(jobsStatusCmd)
	jobsCmd.AddCommand(jobsCancelCmd)
	jobsCmd.AddCommand(jobsReportCmd)

	jobsSubmitCmd.Flags().StringVar(&workloadID, "workload", "", "workload id of the captured dataset (required)")
	jobsSubmitCmd.Flags().StringVar(&clientID, "client", "", "client id of the captured dataset (required)")
	jobsSubmitCmd.Flags().StringVar(&candidatesFile, "candidates", "", "YAML file listing candidate configs (required)")
	jobsSubmitCmd.MarkFlagRequired("workload")
	jobsSubmitCmd.MarkFlagRequired("client")
	jobsSubmitCmd.MarkFlagRequired("candidates")

	jobsStatusCmd.Flags().BoolVar(&followStatus, "follow", false, "poll job status every 2 seconds until completion")
}

func runJobsSubmit(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(candidatesFile)
	if err != nil {
		return fmt.Errorf("failed to read candidates file: %w", err)
	}
	var configs []models.CandidateConfig
	if err := yaml.Unmarshal(data, &configs); err != nil {
		return fmt.Errorf("failed to parse candidates file: %w", err)
	}

	reqBody, err := json.Marshal(models.JobRequest{
		WorkloadID: workloadID,
		ClientID:   clientID,
		Configs:    configs,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := CreateAuthenticatedRequest("POST", GetServerURL()+"/jobs", bytes.NewBuffer(reqBody))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := GetHTTPClient().Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to connect to flywheel API: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}

	var result struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	if IsJSONOutput() {
		output, _ := json.MarshalIndent(result, "", "  ")
		fmt.Println(string(output))
	} else {
		fmt.Printf("Job submitted: %s (%d candidates)\n", result.ID, len(configs))
	}
	return nil
}

func runJobsStatus(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		return listAllJobs()
	}
	jobID := args[0]

	if followStatus {
		fmt.Printf("Following job %s (press Ctrl+C to stop)...\n\n", jobID)
		for {
			job, err := fetchJob(jobID)
			if err != nil {
				return err
			}
			fmt.Print("\033[H\033[2J")
			displayJob(job)
			if models.IsTerminalState(job.Status) {
				fmt.Printf("\nJob reached terminal state: %s\n", job.Status)
				return nil
			}
			time.Sleep(2 * time.Second)
		}
	}

	job, err := fetchJob(jobID)
	if err != nil {
		return err
	}
	displayJob(job)
	return nil
}

func listAllJobs() error {
	httpReq, err := CreateAuthenticatedRequest("GET", GetServerURL()+"/jobs", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := GetHTTPClient().Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to connect to flywheel API: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}

	var jobs []models.FlywheelJob
	if err := json.Unmarshal(body, &jobs); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	if IsJSONOutput() {
		output, _ := json.MarshalIndent(jobs, "", "  ")
		fmt.Println(string(output))
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Job ID", "Workload", "Client", "Status", "Candidates", "Created")
	for _, job := range jobs {
		table.Append(
			job.ID,
			job.WorkloadID,
			job.ClientID,
			string(job.Status),
			fmt.Sprintf("%d", len(job.Configs)),
			job.CreatedAt.Format("2006-01-02 15:04"),
		)
	}
	table.Render()
	fmt.Printf("\nTotal jobs: %d\n", len(jobs))
	return nil
}

func fetchJob(jobID string) (*models.FlywheelJob, error) {
	httpReq, err := CreateAuthenticatedRequest("GET", GetServerURL()+"/jobs/"+jobID, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := GetHTTPClient().Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to flywheel API: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}

	var job models.FlywheelJob
	if err := json.Unmarshal(body, &job); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return &job, nil
}

func displayJob(job *models.FlywheelJob) {
	if IsJSONOutput() {
		output, _ := json.MarshalIndent(job, "", "  ")
		fmt.Println(string(output))
		return
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Field", "Value")
	table.Append("Job ID", job.ID)
	table.Append("Workload", job.WorkloadID)
	table.Append("Client", job.ClientID)
	table.Append("Status", string(job.Status))
	if job.RecordCount > 0 {
		table.Append("Records", fmt.Sprintf("%d (%d eval / %d train)", job.RecordCount, job.EvalRecordCount, job.TrainRecordCount))
	}
	if job.Baseline != nil {
		table.Append("Baseline", fmt.Sprintf("%s = %.4f", job.Baseline.ModelID, job.Baseline.AggregateScore))
	}
	table.Append("Created At", job.CreatedAt.Format(time.RFC3339))
	if job.StartedAt != nil {
		table.Append("Started At", job.StartedAt.Format(time.RFC3339))
	}
	if job.CompletedAt != nil {
		table.Append("Completed At", job.CompletedAt.Format(time.RFC3339))
	}
	if job.Error != "" {
		table.Append("Error", job.Error)
	}
	table.Render()

	if len(job.Candidates) == 0 {
		return
	}
	fmt.Println()
	candidates := tablewriter.NewWriter(os.Stdout)
	candidates.Header("Candidate", "Status", "Pre", "Post", "Error")
	for _, c := range job.Candidates {
		pre, post := "-", "-"
		if c.Pre != nil {
			pre = fmt.Sprintf("%.4f", c.Pre.AggregateScore)
		}
		if c.Post != nil {
			post = fmt.Sprintf("%.4f", c.Post.AggregateScore)
		}
		errDisplay := c.Error
		if errDisplay == "" {
			errDisplay = "-"
		}
		candidates.Append(c.Config.Key(), string(c.Status), pre, post, errDisplay)
	}
	candidates.Render()
}

func runJobsCancel(cmd *cobra.Command, args []string) error {
	jobID := args[0]
	httpReq, err := CreateAuthenticatedRequest("POST", GetServerURL()+"/jobs/"+jobID+"/cancel", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := GetHTTPClient().Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to connect to flywheel API: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}
	fmt.Printf("Cancellation requested for job %s\n", jobID)
	return nil
}

func runJobsReport(cmd *cobra.Command, args []string) error {
	jobID := args[0]
	httpReq, err := CreateAuthenticatedRequest("GET", GetServerURL()+"/jobs/"+jobID+"/report", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := GetHTTPClient().Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to connect to flywheel API: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}

	var artifact models.ReportArtifact
	if err := json.Unmarshal(body, &artifact); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	if IsJSONOutput() {
		output, _ := json.MarshalIndent(artifact, "", "  ")
		fmt.Println(string(output))
		return nil
	}

	fmt.Printf("Baseline: %s = %.4f (tolerance %.3f)\n\n", artifact.BaselineModel, artifact.BaselineScore, artifact.Tolerance)

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Candidate", "GPUs", "Pre", "Post", "Best", "Promotable", "Failure")
	for _, c := range artifact.Candidates {
		name := c.ModelName
		if c.Tag != "" {
			name = c.ModelName + ":" + c.Tag
		}
		failure := c.Failure
		if failure == "" {
			failure = "-"
		}
		table.Append(
			name,
			fmt.Sprintf("%d", c.GPUs),
			formatOptScore(c.PreScore),
			formatOptScore(c.PostScore),
			formatOptScore(c.BestScore),
			fmt.Sprintf("%v", c.Promotable),
			failure,
		)
	}
	table.Render()

	if artifact.Recommended != "" {
		fmt.Printf("\nRecommended: %s\n", artifact.Recommended)
	} else {
		fmt.Println("\nNo candidate is promotable")
	}
	return nil
}

func formatOptScore(score *float64) string {
	if score == nil {
		return "-"
	}
	return fmt.Sprintf("%.4f", *score)
}
