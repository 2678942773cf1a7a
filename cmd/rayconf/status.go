package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"rayconf/internal/db"
	"rayconf/internal/downloader"
	"rayconf/internal/model"
	"rayconf/internal/tester"
	"rayconf/internal/xray"
	"rayconf/internal/xray/link"

	"github.com/spf13/cobra"
)

var statusHistory int

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the last run, whether it is alive, and recent history",
	RunE: func(cmd *cobra.Command, args []string) error {
		return printStatus(cmd, statusHistory)
	},
}

func printStatus(cmd *cobra.Command, history int) error {
	cfg, err := loadSettings(cmd)
	if err != nil {
		return err
	}

	database, err := db.Open(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer db.Close(database)

	last, err := db.Latest(database)
	if errors.Is(err, db.ErrNoRuns) {
		fmt.Println("No runs recorded yet.")
		return nil
	}
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Tester.HealthTimeout)
	defer cancel()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)

	fmt.Println("\n📊 \033[1mRAYCONF STATUS\033[0m")
	fmt.Println("────────────────────────────────────────")

	fmt.Fprintln(w, "\033[1;36m[ LAST RUN ]\033[0m\t")
	fmt.Fprintf(w, "  Server:\t%s\n", describeRun(last))
	fmt.Fprintf(w, "  Transport:\t%s / %s\n", last.Network, orNone(last.Security))
	fmt.Fprintf(w, "  Config:\t%s\n", last.ConfigPath)
	fmt.Fprintf(w, "  Started:\t%s (%s ago)\n", last.StartedAt.Format(time.DateTime), time.Since(last.StartedAt).Round(time.Second))
	fmt.Fprintf(w, "  Runner:\t%s (pid %d)\n", last.Runner, last.PID)
	fmt.Fprintf(w, "  Recorded Status:\t%s\n", recordedStatus(last))

	if last.StoppedAt == nil {
		fmt.Fprintf(w, "  Process:\t%s\n", aliveLabel(processAlive(last.PID)))
		socks := net.JoinHostPort(last.Listen, strconv.Itoa(last.SocksPort))
		t := tester.New(cfg.Tester, nil)
		if err := t.CheckSocks(ctx, socks); err != nil {
			fmt.Fprintf(w, "  SOCKS %s:\t❌ %v\n", socks, err)
		} else {
			fmt.Fprintf(w, "  SOCKS %s:\t✅ accepting\n", socks)
		}
		fmt.Fprintf(w, "  HTTP:\t%s\n", net.JoinHostPort(last.Listen, strconv.Itoa(last.HTTPPort)))
	}
	fmt.Fprintln(w, "\t")

	fmt.Fprintln(w, "\033[1;36m[ ENGINE ]\033[0m\t")
	if bin, err := xray.FindBinary(cfg.Engine.Binary); err != nil {
		fmt.Fprintf(w, "  Binary:\tnot found\n")
	} else {
		fmt.Fprintf(w, "  Binary:\t%s\n", bin)
		if v, err := downloader.Version(ctx, bin); err == nil {
			fmt.Fprintf(w, "  Version:\t%s\n", v)
		}
	}
	fmt.Fprintln(w, "\t")

	if history > 1 {
		runs, err := db.Recent(database, history)
		if err != nil {
			return err
		}
		fmt.Fprintln(w, "\033[1;36m[ RECENT RUNS ]\033[0m\t")
		for _, r := range runs {
			fmt.Fprintf(w, "  %s\t%s\t%s\n", r.StartedAt.Format(time.DateTime), recordedStatus(&r), describeRun(&r))
		}
	}

	w.Flush()
	fmt.Println("")
	return nil
}

// describeRun renders a run without credentials.
func describeRun(r *model.Run) string {
	spec, err := link.Decode(r.Link)
	if err != nil {
		return fmt.Sprintf("%s %s:%d", r.Protocol, r.Address, r.Port)
	}
	return spec.String()
}

func recordedStatus(r *model.Run) string {
	if r.Status == string(xray.StatusCrashed) {
		return fmt.Sprintf("%s (exit code %d)", r.Status, r.ExitCode)
	}
	return r.Status
}

func orNone(s string) string {
	if s == "" {
		return string(link.SecurityNone)
	}
	return s
}

func aliveLabel(alive bool) string {
	if alive {
		return "✅ alive"
	}
	return "❌ not running"
}

func init() {
	statusCmd.Flags().IntVarP(&statusHistory, "history", "n", 5, "number of recent runs to list")
	rootCmd.Flags().IntVar(&statusHistory, "history", 5, "with --status, number of recent runs to list")
	rootCmd.AddCommand(statusCmd)
}
