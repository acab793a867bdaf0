// Copyright 2025 James Ross
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/jobqueue/jobqueue"
	"github.com/jobqueue/jobqueue/internal/admin"
	"github.com/jobqueue/jobqueue/internal/config"
)

var version = "dev"

func main() {
	var configPath string
	var cmd string
	var jobType string
	var status string
	var n int
	var id string
	var grace time.Duration
	var benchCount int
	var benchRate int
	var benchTimeout time.Duration
	var benchPayloadSize int
	var showVersion bool

	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&configPath, "config", "", "Path to YAML config (env overrides always apply)")
	fs.StringVar(&cmd, "cmd", "stats", "Command: stats|peek|retry|remove|clean|purge|bench")
	fs.StringVar(&jobType, "type", "", "Job type filter")
	fs.StringVar(&status, "status", "", "Job status filter (waiting|active|completed|failed|delayed|paused)")
	fs.IntVar(&n, "n", 10, "Number of items for peek")
	fs.StringVar(&id, "id", "", "Job id for retry/remove")
	fs.DurationVar(&grace, "grace", 24*time.Hour, "clean: age threshold")
	fs.IntVar(&benchCount, "bench-count", 1000, "bench: number of jobs")
	fs.IntVar(&benchRate, "bench-rate", 500, "bench: enqueue rate jobs/sec")
	fs.DurationVar(&benchTimeout, "bench-timeout", 60*time.Second, "bench: timeout to wait for completion")
	fs.IntVar(&benchPayloadSize, "bench-payload-size", 1024, "bench: payload size in bytes")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	_ = fs.Parse(os.Args[1:])

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	q, err := jobqueue.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init queue: %v\n", err)
		os.Exit(1)
	}
	defer q.Close()

	ctx := context.Background()

	switch cmd {
	case "stats":
		res, err := admin.Stats(ctx, q, jobType)
		fatalOn(err, "admin stats")
		printJSON(res)
	case "peek":
		res, err := admin.Peek(ctx, q, jobType, jobqueue.Status(status), n)
		fatalOn(err, "admin peek")
		printJSON(res)
	case "retry":
		if id == "" {
			fmt.Fprintln(os.Stderr, "retry requires --id")
			os.Exit(1)
		}
		err := q.Retry(ctx, id)
		fatalOn(err, "retry")
		fmt.Println("retried", id)
	case "remove":
		if id == "" {
			fmt.Fprintln(os.Stderr, "remove requires --id")
			os.Exit(1)
		}
		err := q.Remove(ctx, id)
		fatalOn(err, "remove")
		fmt.Println("removed", id)
	case "clean":
		if status == "" {
			fmt.Fprintln(os.Stderr, "clean requires --status")
			os.Exit(1)
		}
		count, err := q.Clean(ctx, jobqueue.Status(status), grace)
		fatalOn(err, "clean")
		fmt.Println("cleaned", count)
	case "purge":
		if status == "" {
			fmt.Fprintln(os.Stderr, "purge requires --status")
			os.Exit(1)
		}
		count, err := admin.Purge(ctx, q, jobType, jobqueue.Status(status))
		fatalOn(err, "purge")
		fmt.Println("purged", count)
	case "bench":
		if jobType == "" {
			jobType = "bench"
		}
		res, err := admin.Bench(ctx, q, jobType, benchCount, benchRate, benchPayloadSize, benchTimeout)
		fatalOn(err, "bench")
		printJSON(res)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", cmd)
		os.Exit(1)
	}
}

func fatalOn(err error, what string) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", what, err)
		os.Exit(1)
	}
}

func printJSON(v interface{}) {
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
}
