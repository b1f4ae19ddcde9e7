package main

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/cuemby/gridscan/pkg/scan"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var monitorAddr string

var rootCmd = &cobra.Command{
	Use:   "scanctl",
	Short: "Operator CLI for a gridscan node's monitoring API",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&monitorAddr, "monitor-addr", "http://127.0.0.1:8901", "Monitoring API base URL")
	rootCmd.AddCommand(jobsCmd, abortCmd, abortAllCmd, scanCmd)

	scanCmd.Flags().StringVar(&scanNodeAddr, "node-addr", "127.0.0.1:3000", "Scan listener address")
	scanCmd.Flags().StringVar(&scanSet, "set", "", "Restrict the scan to one set")
	scanCmd.Flags().IntVar(&scanSamplePct, "sample-pct", 100, "Percent of each partition to sample")
	scanCmd.Flags().IntVar(&scanRPS, "rps", 0, "Records-per-second throttle (0 = unlimited)")
	scanCmd.Flags().BoolVar(&scanNoBins, "no-bins", false, "Fetch record metadata only")
}

var (
	scanNodeAddr  string
	scanSet       string
	scanSamplePct int
	scanRPS       int
	scanNoBins    bool
)

// scanCmd runs a basic scan against a live node and summarizes the
// stream, as an operational smoke test of the whole scan path.
var scanCmd = &cobra.Command{
	Use:   "scan <namespace>",
	Short: "Run a basic scan against the node and summarize the result stream",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := uuid.New()
		trid := binary.BigEndian.Uint64(id[:8])

		builder := scan.NewRequestBuilder(trid).Namespace(args[0])
		if scanSet != "" {
			builder.Set(scanSet)
		}
		if scanSamplePct > 0 && scanSamplePct < 100 {
			builder.SamplePct(scanSamplePct)
		}
		if scanRPS > 0 {
			builder.RecsPerSec(uint32(scanRPS))
		}
		var info1 byte
		if scanNoBins {
			info1 = 0x20
		}
		builder.InfoBits(info1, 0, 0)

		conn, err := net.Dial("tcp", scanNodeAddr)
		if err != nil {
			return fmt.Errorf("scanctl: dial %s: %w", scanNodeAddr, err)
		}
		defer conn.Close()

		if _, err := conn.Write(builder.Build()); err != nil {
			return fmt.Errorf("scanctl: send request: %w", err)
		}

		records, pidsDone := 0, 0
		for {
			chunks, err := scan.ReadResponse(conn)
			if err != nil {
				return fmt.Errorf("scanctl: read response: %w", err)
			}
			for _, c := range chunks {
				switch c.Kind {
				case scan.ChunkRecord:
					records++
				case scan.ChunkPidDone:
					pidsDone++
				case scan.ChunkStartError:
					return fmt.Errorf("scanctl: scan rejected with code %d", c.Code)
				case scan.ChunkFin:
					fmt.Printf("trid %d: %d records, %d partitions reported, fin code %d\n",
						trid, records, pidsDone, c.Code)
					return nil
				}
			}
		}
	},
}

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List active scan jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		var stats []scan.JobStat
		if err := getJSON(monitorAddr+"/jobs", &stats); err != nil {
			return err
		}
		displayJobsTable(stats)
		return nil
	},
}

var abortCmd = &cobra.Command{
	Use:   "abort <trid>",
	Short: "Abort one active job by transaction id",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return postJSON(fmt.Sprintf("%s/jobs/%s/abort", monitorAddr, args[0]))
	},
}

var abortAllCmd = &cobra.Command{
	Use:   "abort-all",
	Short: "Abort every active job on this node",
	RunE: func(cmd *cobra.Command, args []string) error {
		return postJSON(monitorAddr + "/jobs/abort-all")
	},
}

func displayJobsTable(stats []scan.JobStat) {
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Trid", "Kind", "Namespace", "Set", "Client", "Started", "Succeeded", "Failed", "Abandoned")

	for _, s := range stats {
		started := time.Unix(0, s.StartNs).Format("2006-01-02 15:04:05")
		_ = table.Append([]string{
			fmt.Sprintf("%d", s.Trid),
			string(s.Kind),
			s.Namespace,
			s.SetName,
			s.Client,
			started,
			fmt.Sprintf("%d", s.NSucceeded),
			fmt.Sprintf("%d", s.NFailed),
			s.Abandoned.String(),
		})
	}
	_ = table.Render()
}

func getJSON(url string, v any) error {
	resp, err := http.Get(url)
	if err != nil {
		return fmt.Errorf("scanctl: request %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("scanctl: %s: %s: %s", url, resp.Status, body)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func postJSON(url string) error {
	resp, err := http.Post(url, "application/json", nil)
	if err != nil {
		return fmt.Errorf("scanctl: request %s: %w", url, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("scanctl: %s: %s: %s", url, resp.Status, body)
	}
	fmt.Println(string(body))
	return nil
}
