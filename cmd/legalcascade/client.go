// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/AleutianAI/legalcascade/pkg/ux"
	"github.com/AleutianAI/legalcascade/services/register/cascade"
	"github.com/AleutianAI/legalcascade/services/register/datatypes"
	"github.com/spf13/cobra"
)

// apiClient calls a running register service.
type apiClient struct {
	base string
	http *http.Client
}

func newAPIClient(base string) *apiClient {
	return &apiClient{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: 60 * time.Second},
	}
}

// APIError is a non-2xx response decoded from the service's error body.
type APIError struct {
	Status int
	Body   datatypes.ErrorResponse
}

func (e *APIError) Error() string {
	if e.Body.Code == "" {
		return fmt.Sprintf("register returned %d", e.Status)
	}
	return fmt.Sprintf("register returned %d %s: %s", e.Status, e.Body.Code, e.Body.Error)
}

func (c *apiClient) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to register at %s: %w", c.base, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode}
		_ = json.Unmarshal(body, &apiErr.Body)
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to parse response from register: %w", err)
	}
	return nil
}

func (c *apiClient) Affected(ctx context.Context, instrument string) (*datatypes.AffectedResult, error) {
	var res datatypes.AffectedResult
	err := c.do(ctx, http.MethodGet, "/v1/instruments/"+url.PathEscape(instrument)+"/affected", &res)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *apiClient) ListJobs(ctx context.Context, sessionID string) ([]datatypes.CascadeJob, error) {
	path := "/v1/cascade/jobs"
	if sessionID != "" {
		path += "?session=" + url.QueryEscape(sessionID)
	}
	var res struct {
		Jobs []datatypes.CascadeJob `json:"jobs"`
	}
	if err := c.do(ctx, http.MethodGet, path, &res); err != nil {
		return nil, err
	}
	return res.Jobs, nil
}

func (c *apiClient) DeleteJob(ctx context.Context, id string) (*cascade.ClearResult, error) {
	var res cascade.ClearResult
	if err := c.do(ctx, http.MethodDelete, "/v1/cascade/jobs/"+url.PathEscape(id), &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *apiClient) ClearProcessed(ctx context.Context) (*cascade.ClearResult, error) {
	var res cascade.ClearResult
	if err := c.do(ctx, http.MethodDelete, "/v1/cascade/jobs/processed", &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func newPrinter(cmd *cobra.Command) *ux.Printer {
	if plainOutput {
		return ux.NewPrinter(cmd.OutOrStdout(), ux.LevelPlain)
	}
	return ux.NewPrinter(cmd.OutOrStdout(), "")
}

// jobIcon maps a job status to its status icon.
func jobIcon(status datatypes.JobStatus) ux.Icon {
	switch status {
	case datatypes.JobDone:
		return ux.IconSuccess
	case datatypes.JobFailed:
		return ux.IconError
	default:
		return ux.IconPending
	}
}

func runAffected(cmd *cobra.Command, args []string) error {
	res, err := newAPIClient(serverURL).Affected(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	out := newPrinter(cmd)
	if len(res.Affected) == 0 {
		out.Success(fmt.Sprintf("No laws are affected by %s.", args[0]))
		return nil
	}
	out.Title(fmt.Sprintf("Laws affected by %s", args[0]))
	for _, a := range res.Affected {
		out.Println(fmt.Sprintf("%s %s", out.Style(ux.Styles.Bold, a.Instrument),
			out.Style(ux.Styles.Muted, fmt.Sprintf("(depth %d)", a.Depth))))
		arrow := " " + string(ux.IconArrow) + " "
		out.Muted("    via: " + strings.Join(a.PathNames(), arrow))
	}
	if res.Truncated {
		out.Warning("Result truncated at the configured cascade limit.")
	}
	return nil
}

func runJobsList(cmd *cobra.Command, args []string) error {
	jobs, err := newAPIClient(serverURL).ListJobs(cmd.Context(), jobSession)
	if err != nil {
		return err
	}
	out := newPrinter(cmd)
	if len(jobs) == 0 {
		out.Muted("No cascade jobs found.")
		return nil
	}
	rows := make([][]string, 0, len(jobs))
	for _, j := range jobs {
		status := out.Icon(jobIcon(j.Status)) + " " + string(j.Status)
		rows = append(rows, []string{j.ID, j.Instrument, status, j.SessionID, out.Style(ux.Styles.Error, j.Error)})
	}
	out.Table([]string{"ID", "INSTRUMENT", "STATUS", "SESSION", "ERROR"}, rows)
	return nil
}

func runJobsDelete(cmd *cobra.Command, args []string) error {
	res, err := newAPIClient(serverURL).DeleteJob(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	out := newPrinter(cmd)
	if res.Cancelled > 0 {
		out.Warning(fmt.Sprintf("Cancellation requested for job %s", args[0]))
		return nil
	}
	out.Success(fmt.Sprintf("Deleted job %s", args[0]))
	return nil
}

func runClearProcessed(cmd *cobra.Command, args []string) error {
	res, err := newAPIClient(serverURL).ClearProcessed(cmd.Context())
	if err != nil {
		return err
	}
	newPrinter(cmd).Success(fmt.Sprintf("Removed %d finished jobs", res.Removed))
	return nil
}
