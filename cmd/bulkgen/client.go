package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/jo-hoe/bulkgen/internal/apiclient"
	"github.com/jo-hoe/bulkgen/internal/intake"
)

func submitAction(ctx context.Context, cmd *cli.Command) error {
	items, err := intake.ReadFile(cmd.String("file"))
	if err != nil {
		return err
	}
	client, err := apiclient.New(cmd.String("server"),
		apiclient.WithAPIKey(cmd.String("api-key")),
		apiclient.WithAuthorization(cmd.String("authorization")),
	)
	if err != nil {
		return err
	}

	res, err := client.Submit(ctx, apiclient.SubmitRequest{
		Owner:       cmd.String("owner"),
		Items:       items,
		Sections:    splitList(cmd.String("sections")),
		CallbackURL: cmd.String("callback-url"),
	})
	if err != nil {
		return fmt.Errorf("submit: %w", err)
	}
	if !cmd.Bool("wait") {
		return printJSON(os.Stdout, res)
	}

	fmt.Fprintf(os.Stderr, "job %s accepted with %d items, waiting...\n", res.JobID, res.ItemCount)
	job, err := client.Wait(ctx, res.JobID, cmd.Duration("poll-interval"))
	if err != nil {
		return fmt.Errorf("wait for %s: %w", res.JobID, err)
	}
	return printJSON(os.Stdout, job)
}

func statusAction(ctx context.Context, cmd *cli.Command) error {
	client, err := apiclient.New(cmd.String("server"), apiclient.WithAPIKey(cmd.String("api-key")))
	if err != nil {
		return err
	}
	job, err := client.Get(ctx, cmd.String("id"))
	if err != nil {
		return fmt.Errorf("status: %w", err)
	}
	return printJSON(os.Stdout, job)
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
