package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"tidbyt.dev/gtfs"
	"tidbyt.dev/gtfs/downloader"
	"tidbyt.dev/gtfs/kind"
	"tidbyt.dev/gtfs/ptdata"
	"tidbyt.dev/gtfs/ptref"
	"tidbyt.dev/gtfs/storage"
	"tidbyt.dev/gtfs/trafficreport"
)

var rootCmd = &cobra.Command{
	Use:          "gtfs",
	Short:        "Tidbyt GTFS tool",
	Long:         "Does stuff with GTFS data",
	SilenceUsage: true,
}

var (
	staticURL       string
	realtimeURL     string
	staticHeaders   []string
	realtimeHeaders []string
	sharedHeaders   []string
	storageDir      string
)

var queryCmd = &cobra.Command{
	Use:   "query <kind> [filter]",
	Short: "Run a PTRef query against the loaded static feed",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		want, ok := kind.ByName(args[0])
		if !ok {
			return fmt.Errorf("unknown kind %q", args[0])
		}
		filter := ""
		if len(args) == 2 {
			filter = args[1]
		}

		ds, _, err := LoadStaticFeed()
		if err != nil {
			return err
		}

		objs, err := ptref.MakeQuery(ds, want, filter, ptref.QueryOptions{}, ptref.NewStdLogger())
		if err != nil {
			return err
		}

		for _, o := range objs {
			fmt.Printf("%s\t%s\n", o.URI, o.Name)
		}
		return nil
	},
}

var (
	reportFilter    string
	reportPage      int
	reportPageSize  int
	reportForbidden []string
)

var trafficReportsCmd = &cobra.Command{
	Use:   "traffic-reports",
	Short: "Aggregate publishable disruptions into a traffic report",
	RunE: func(cmd *cobra.Command, args []string) error {
		ds, manager, err := LoadStaticFeed()
		if err != nil {
			return err
		}

		if realtimeURL != "" {
			if err := ingestRealtime(manager); err != nil {
				return fmt.Errorf("ingesting realtime: %w", err)
			}
		}

		report, err := trafficreport.Aggregate(
			ds,
			manager.Disruptions(),
			time.Now(),
			reportFilter,
			reportForbidden,
			trafficreport.Pagination{Count: reportPageSize, StartPage: reportPage},
		)
		if err != nil {
			return err
		}

		out, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&staticURL, "static-url", "", "", "GTFS Static URL")
	rootCmd.PersistentFlags().StringVarP(&realtimeURL, "realtime-url", "", "", "GTFS Realtime URL")
	rootCmd.PersistentFlags().StringVarP(&storageDir, "storage-dir", "", ".", "Directory for the on-disk feed cache")
	rootCmd.PersistentFlags().StringSliceVarP(
		&staticHeaders,
		"static-header",
		"",
		[]string{},
		"GTFS Static HTTP header",
	)
	rootCmd.PersistentFlags().StringSliceVarP(
		&realtimeHeaders,
		"realtime-header",
		"",
		[]string{},
		"GTFS Realtime HTTP header",
	)
	rootCmd.PersistentFlags().StringSliceVarP(
		&sharedHeaders,
		"header",
		"",
		[]string{},
		"GTFS HTTP header (shared between static and realtime)",
	)

	trafficReportsCmd.Flags().StringVarP(&reportFilter, "filter", "", "", "PTRef filter restricting the report")
	trafficReportsCmd.Flags().IntVarP(&reportPage, "page", "", 0, "Page of results to return")
	trafficReportsCmd.Flags().IntVarP(&reportPageSize, "page-size", "", 20, "Networks per page")
	trafficReportsCmd.Flags().StringSliceVarP(&reportForbidden, "forbidden-uri", "", nil, "URIs to exclude from the report")

	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(trafficReportsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func parseHeaders(headers []string) (map[string]string, error) {
	parsed := map[string]string{}
	for _, header := range headers {
		parts := strings.SplitN(header, ":", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("'%s' is not on form <key>:<value>", header)
		}
		parsed[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
	}
	return parsed, nil
}

func newManager() (*gtfs.Manager, error) {
	s, err := storage.NewSQLiteStorage(storage.SQLiteConfig{OnDisk: true, Directory: storageDir})
	if err != nil {
		return nil, err
	}

	dl, err := downloader.NewFilesystem(fmt.Sprintf("%s/downloads.json", storageDir))
	if err != nil {
		return nil, fmt.Errorf("opening download cache: %w", err)
	}

	manager := gtfs.NewManager(s)
	manager.Downloader = dl

	return manager, nil
}

// LoadStaticFeed returns both the loaded Dataset and the Manager that
// loaded it, so callers that also ingest realtime disruptions do so
// into the same disruption.Store the Dataset queries against.
func LoadStaticFeed() (*ptdata.Dataset, *gtfs.Manager, error) {
	if staticURL == "" {
		return nil, nil, fmt.Errorf("static URL is required")
	}

	manager, err := newManager()
	if err != nil {
		return nil, nil, err
	}

	ds, err := manager.LoadStaticAsync(staticURL, time.Now())
	if err != nil {
		if err := manager.Refresh(context.Background()); err != nil {
			return nil, nil, err
		}
		ds, err = manager.LoadStaticAsync(staticURL, time.Now())
		if err != nil {
			return nil, nil, err
		}
	}

	return ds, manager, nil
}

func ingestRealtime(manager *gtfs.Manager) error {
	headers, err := parseHeaders(realtimeHeaders)
	if err != nil {
		return fmt.Errorf("invalid realtime header: %w", err)
	}

	shared, err := parseHeaders(sharedHeaders)
	if err != nil {
		return fmt.Errorf("invalid header: %w", err)
	}
	for k, v := range shared {
		headers[k] = v
	}

	body, err := manager.Downloader.Get(context.Background(), realtimeURL, headers, downloader.GetOptions{Timeout: 60 * time.Second})
	if err != nil {
		return fmt.Errorf("downloading: %w", err)
	}

	return manager.IngestDisruptions([][]byte{body})
}
