package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/basket/go-hive/internal/config"
	"github.com/basket/go-hive/internal/gateway"
)

type postOptions struct {
	baseURL     string
	token       string
	source      string
	signature   string
	description string
	tags        []string
	deadline    time.Duration
}

func parsePostArgs(args []string) (postOptions, error) {
	fs := flag.NewFlagSet("post", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	tags := fs.String("tags", "", "comma separated task tags")
	deadline := fs.Duration("deadline", 0, "time allowed before the task expires")
	addr := fs.String("addr", "", "gateway address (default from config)")
	source := fs.String("source", "", "task source id sent as "+gateway.HeaderSource)
	signature := fs.String("signature", "", "base64 signature sent as "+gateway.HeaderSignature)
	if err := fs.Parse(args); err != nil {
		return postOptions{}, err
	}
	opts := postOptions{
		baseURL:     *addr,
		source:      strings.TrimSpace(*source),
		signature:   strings.TrimSpace(*signature),
		description: strings.TrimSpace(strings.Join(fs.Args(), " ")),
		deadline:    *deadline,
	}
	for _, tag := range strings.Split(*tags, ",") {
		if tag = strings.TrimSpace(tag); tag != "" {
			opts.tags = append(opts.tags, tag)
		}
	}
	if opts.description == "" {
		return opts, errors.New("task description is required")
	}
	if len(opts.tags) == 0 {
		return opts, errors.New("at least one tag is required (-tags)")
	}
	if opts.signature != "" && opts.source == "" {
		return opts, errors.New("-signature requires -source")
	}
	return opts, nil
}

func runPostCommand(ctx context.Context, args []string) int {
	opts, err := parsePostArgs(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "post: %v\nusage: gohive post [-tags a,b] [-deadline 5m] [-addr host:port] [-source id -signature sig] description\n", err)
		return 2
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	if opts.baseURL == "" {
		opts.baseURL = cfg.Gateway.BindAddr
	}
	opts.baseURL = gatewayURL(opts.baseURL)
	opts.token = cfg.Gateway.AuthToken

	id, err := postTask(ctx, http.DefaultClient, opts, time.Now())
	if err != nil {
		fmt.Fprintf(os.Stderr, "post: %v\n", err)
		return 1
	}
	fmt.Println(id)
	return 0
}

func postTask(ctx context.Context, client *http.Client, opts postOptions, now time.Time) (string, error) {
	body := gateway.PostTaskRequest{Description: opts.description, Tags: opts.tags}
	if opts.deadline > 0 {
		body.Deadline = now.Add(opts.deadline).UTC().Truncate(time.Second)
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return "", err
	}
	reqCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, opts.baseURL+"/v1/tasks", bytes.NewReader(raw))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if opts.token != "" {
		req.Header.Set("Authorization", "Bearer "+opts.token)
	}
	if opts.source != "" {
		req.Header.Set(gateway.HeaderSource, opts.source)
	}
	if opts.signature != "" {
		req.Header.Set(gateway.HeaderSignature, opts.signature)
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return "", fmt.Errorf("gateway returned %d: %s", resp.StatusCode, e.Error)
	}
	var out gateway.PostTaskResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	return out.TaskID, nil
}
