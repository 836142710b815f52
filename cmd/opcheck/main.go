// Command opcheck inspects the operation tables and repairs operations left
// behind by a crashed worker.
//
//	opcheck                       status counts
//	opcheck ops [STATUS...]       list operations
//	opcheck steps OPERATION_ID    step records of one operation
//	opcheck fail-stuck AGE [apply] fail PENDING/RUNNING operations idle for AGE
package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/courtscribe/internal/database"
	"github.com/snarg/courtscribe/internal/stepstate"
)

func main() {
	ctx := context.Background()
	log := zerolog.New(os.Stderr).With().Timestamp().Logger().Level(zerolog.WarnLevel)

	db, err := database.Connect(ctx, os.Getenv("DATABASE_URL"), log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	args := os.Args[1:]
	if len(args) == 0 {
		statusCounts(ctx, db)
		return
	}

	switch args[0] {
	case "ops":
		statuses := make([]stepstate.Status, 0, len(args)-1)
		for _, s := range args[1:] {
			statuses = append(statuses, stepstate.Status(strings.ToUpper(s)))
		}
		listOperations(ctx, db, statuses)
	case "steps":
		if len(args) < 2 {
			usage()
		}
		listSteps(ctx, db, args[1])
	case "fail-stuck":
		if len(args) < 2 {
			usage()
		}
		age, err := time.ParseDuration(args[1])
		if err != nil {
			fmt.Fprintf(os.Stderr, "bad age %q: %v\n", args[1], err)
			os.Exit(2)
		}
		apply := len(args) > 2 && args[2] == "apply"
		failStuck(ctx, db, age, apply)
	default:
		usage()
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: opcheck [ops [STATUS...] | steps OPERATION_ID | fail-stuck AGE [apply]]")
	os.Exit(2)
}

func statusCounts(ctx context.Context, db *database.DB) {
	rows, err := db.Pool.Query(ctx, `SELECT status, count(*) FROM operations GROUP BY status ORDER BY status`)
	if err != nil {
		fmt.Fprintf(os.Stderr, "query: %v\n", err)
		os.Exit(1)
	}
	defer rows.Close()

	fmt.Println("Status          Count")
	fmt.Println("─────────────────────")
	for rows.Next() {
		var status string
		var count int64
		rows.Scan(&status, &count)
		fmt.Printf("%-15s %d\n", status, count)
	}

	var segs int64
	db.Pool.QueryRow(ctx, `SELECT count(*) FROM segments`).Scan(&segs)
	fmt.Printf("\nsegments: %d\n", segs)
}

func listOperations(ctx context.Context, db *database.DB, statuses []stepstate.Status) {
	ops, err := db.ListOperations(ctx, statuses...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "list operations: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("%-38s %-8s %-18s %-15s %4s  %s\n", "OPERATION", "STATUS", "STEP", "STEP STATUS", "PCT", "UPDATED")
	for _, op := range ops {
		fmt.Printf("%-38s %-8s %-18s %-15s %3d%%  %s\n",
			op.ID, op.Status, op.Step, op.StepStatus, op.Progress, op.UpdatedAt.Format(time.RFC3339))
	}
}

func listSteps(ctx context.Context, db *database.DB, operationID string) {
	op, err := db.GetOperation(ctx, operationID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "get operation: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("%s  %s  %s/%s  %d%%\n\n", op.ID, op.Status, op.Step, op.StepStatus, op.Progress)

	recs, err := db.ListSteps(ctx, operationID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "list steps: %v\n", err)
		os.Exit(1)
	}
	for _, r := range recs {
		fmt.Printf("  %-18s %-15s attempts=%d  %s  %d bytes\n",
			r.Step, r.Status, r.Attempts, r.UpdatedAt.Format(time.RFC3339), len(r.Payload))
	}
}

func failStuck(ctx context.Context, db *database.DB, age time.Duration, apply bool) {
	if !apply {
		ops, err := db.ListOperations(ctx, stepstate.StatusPending, stepstate.StatusRunning)
		if err != nil {
			fmt.Fprintf(os.Stderr, "list operations: %v\n", err)
			os.Exit(1)
		}
		cutoff := time.Now().Add(-age)
		n := 0
		for _, op := range ops {
			if op.UpdatedAt.Before(cutoff) {
				fmt.Printf("would fail %s (%s at %s, idle %s)\n", op.ID, op.Status, op.Step, time.Since(op.UpdatedAt).Round(time.Second))
				n++
			}
		}
		fmt.Printf("%d operation(s); re-run with 'apply' to mark them FAILED\n", n)
		return
	}

	ids, err := db.FailStuck(ctx, age)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fail stuck: %v\n", err)
		os.Exit(1)
	}
	for _, id := range ids {
		fmt.Printf("failed %s\n", id)
	}
	fmt.Printf("%d operation(s) marked FAILED\n", len(ids))
}
