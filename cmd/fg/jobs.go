package main

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func addCmd() *cobra.Command {
	var (
		digest    string
		target    string
		cache     string
		id        string
		keepCache bool
	)
	cmd := &cobra.Command{
		Use:   "add <url>",
		Short: "Submit a job to fgd",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if digest == "" || target == "" {
				return errors.New("--digest and --target are required")
			}
			payload := map[string]any{
				"id":         id,
				"url":        args[0],
				"digest":     digest,
				"cache_dir":  cache,
				"target_dir": target,
				"keep_cache": keepCache,
			}
			var resp map[string]string
			c := newAPIClient(flagAPI)
			if err := c.postJSON(c.base+"/jobs", payload, &resp); err != nil {
				return err
			}
			fmt.Printf("started job %s (%s)\n", resp["id"], args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&digest, "digest", "", "expected MD5, SHA1 or SHA256 hex digest")
	cmd.Flags().StringVar(&target, "target", "", "directory to expand the archive into")
	cmd.Flags().StringVar(&cache, "cache", "", "directory for the downloaded archive (default from daemon config)")
	cmd.Flags().StringVar(&id, "id", "", "job id (default random UUID)")
	cmd.Flags().BoolVar(&keepCache, "keep-cache", false, "keep the downloaded archive after a successful expand")
	return cmd
}

func statusCmd() *cobra.Command {
	var (
		state    string
		watch    bool
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "status [job_id]",
		Short: "Show jobs known to fgd",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if interval <= 0 {
				interval = time.Second
			}
			c := newAPIClient(flagAPI)
			p := newPalette(os.Stdout)
			for {
				jobs, err := fetchJobs(c, state, args)
				if err != nil {
					return err
				}
				if watch {
					fmt.Print("\033[H\033[2J")
				}
				counts := stateCounts(jobs)
				fmt.Printf("Jobs: %d total | success %d | failed %d | canceled %d | error %d\n",
					len(jobs), counts["SUCCESS"], counts["FAILED"], counts["CANCELED"], counts["ERROR"])
				printJobs(os.Stdout, p, jobs)
				if !watch || !hasActiveJobs(jobs) {
					return nil
				}
				select {
				case <-cmd.Context().Done():
					return nil
				case <-time.After(interval):
				}
			}
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "filter by state")
	cmd.Flags().BoolVar(&watch, "watch", false, "refresh until no job is active")
	cmd.Flags().DurationVar(&interval, "interval", time.Second, "refresh interval")
	return cmd
}

func fetchJobs(c *apiClient, state string, args []string) ([]jobView, error) {
	if len(args) == 1 {
		var j jobView
		if err := c.getJSON(c.jobURL(args[0]), &j); err != nil {
			return nil, err
		}
		return []jobView{j}, nil
	}
	u := c.base + "/jobs"
	if state != "" {
		u += "?state=" + url.QueryEscape(state)
	}
	var jobs []jobView
	if err := c.getJSON(u, &jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

func cancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job_id>",
		Short: "Cancel a waiting or downloading job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newAPIClient(flagAPI)
			var resp map[string]bool
			if err := c.postJSON(c.jobURL(args[0], "cancel"), map[string]any{}, &resp); err != nil {
				return err
			}
			if !resp["canceled"] {
				fmt.Println("not canceled: job is not waiting or downloading")
				return nil
			}
			fmt.Println("ok")
			return nil
		},
	}
}

func logsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "logs <job_id>",
		Short: "Show the state history of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newAPIClient(flagAPI)
			var lines []string
			if err := c.getJSON(fmt.Sprintf("%s?limit=%d", c.jobURL(args[0], "events"), limit), &lines); err != nil {
				return err
			}
			for _, line := range lines {
				fmt.Println(line)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "tail", 50, "number of log lines")
	return cmd
}

func clearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Remove finished jobs from the journal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newAPIClient(flagAPI)
			var resp map[string]int64
			if err := c.postJSON(c.base+"/jobs/clear", map[string]any{}, &resp); err != nil {
				return err
			}
			fmt.Printf("removed %d job(s)\n", resp["removed"])
			return nil
		},
	}
}
