package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/psantana5/data-flywheel/pkg/ingest"
)

var (
	countWorkloadID string
	countClientID   string
)

// recordsCmd represents the records command
var recordsCmd = &cobra.Command{
	Use:   "records",
	Short: "Manage interaction records",
	Long:  `Commands for loading captured production traffic into the flywheel and inspecting stored datasets.`,
}

var recordsLoadCmd = &cobra.Command{
	Use:   "load <capture.ndjson>",
	Short: "Load an NDJSON capture file",
	Long:  `Parse an NDJSON capture file and upload its records. Records already stored are deduplicated server-side.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runRecordsLoad,
}

var recordsCountCmd = &cobra.Command{
	Use:   "count",
	Short: "Count stored records for a dataset",
	Args:  cobra.NoArgs,
	RunE:  runRecordsCount,
}

func init() {
	rootCmd.AddCommand(recordsCmd)
	recordsCmd.AddCommand(recordsLoadCmd)
	recordsCmd.AddCommand(recordsCountCmd)

	recordsCountCmd.Flags().StringVar(&countWorkloadID, "workload", "", "workload id (required)")
	recordsCountCmd.Flags().StringVar(&countClientID, "client", "", "client id (required)")
	recordsCountCmd.MarkFlagRequired("workload")
	recordsCountCmd.MarkFlagRequired("client")
}

func runRecordsLoad(cmd *cobra.Command, args []string) error {
	records, err := ingest.LoadFile(args[0])
	if err != nil {
		return err
	}

	reqBody, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("failed to marshal records: %w", err)
	}

	httpReq, err := CreateAuthenticatedRequest("POST", GetServerURL()+"/records", bytes.NewBuffer(reqBody))
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
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}

	var result struct {
		Received int `json:"received"`
		Inserted int `json:"inserted"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	if IsJSONOutput() {
		output, _ := json.MarshalIndent(result, "", "  ")
		fmt.Println(string(output))
	} else {
		fmt.Printf("Loaded %d records (%d new, %d duplicates)\n", result.Received, result.Inserted, result.Received-result.Inserted)
	}
	return nil
}

func runRecordsCount(cmd *cobra.Command, args []string) error {
	url := fmt.Sprintf("%s/records/count?workload_id=%s&client_id=%s", GetServerURL(), countWorkloadID, countClientID)
	httpReq, err := CreateAuthenticatedRequest("GET", url, nil)
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

	var result struct {
		WorkloadID string `json:"workload_id"`
		ClientID   string `json:"client_id"`
		Count      int    `json:"count"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	if IsJSONOutput() {
		output, _ := json.MarshalIndent(result, "", "  ")
		fmt.Println(string(output))
	} else {
		fmt.Printf("%d records for workload %s client %s\n", result.Count, result.WorkloadID, result.ClientID)
	}
	return nil
}
