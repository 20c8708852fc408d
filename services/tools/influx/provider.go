// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package influx provides the reference tool backend over an InfluxDB 2.x
// metrics store. It serves the default catalog's metrics tools:
// current_date, list_measurements, describe_measurement, query_metrics,
// and compose_report.
package influx

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/kodiak/pkg/dates"
	"github.com/AleutianAI/kodiak/services/tools"
)

var providerTracer = otel.Tracer("kodiak.tools.influx")

// identPattern restricts measurement, column, and tag identifiers that are
// interpolated into flux scripts.
var identPattern = regexp.MustCompile(`^[A-Za-z0-9_.\-]+$`)

// Provider implements tools.Backend against InfluxDB.
//
// Thread Safety: safe for concurrent use; QueryAPI is concurrency-safe and
// the remaining fields are immutable after construction.
type Provider struct {
	queryAPI api.QueryAPI
	bucket   string
	catalog  *tools.Catalog

	// now is injectable for deterministic current_date results in tests.
	now func() time.Time
}

// NewProvider builds a provider from INFLUXDB_URL, INFLUXDB_TOKEN,
// INFLUXDB_ORG, and INFLUXDB_BUCKET.
func NewProvider(ctx context.Context) (*Provider, error) {
	influxURL := os.Getenv("INFLUXDB_URL")
	token := os.Getenv("INFLUXDB_TOKEN")
	org := os.Getenv("INFLUXDB_ORG")
	bucket := os.Getenv("INFLUXDB_BUCKET")
	if influxURL == "" || token == "" || org == "" || bucket == "" {
		return nil, fmt.Errorf("INFLUXDB_URL, INFLUXDB_TOKEN, INFLUXDB_ORG, and INFLUXDB_BUCKET must be set")
	}
	catalog, err := tools.ActiveCatalog(ctx)
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}
	client := influxdb2.NewClient(influxURL, token)
	slog.Info("Initialized InfluxDB tool provider",
		slog.String("url", influxURL),
		slog.String("bucket", bucket),
	)
	return &Provider{
		queryAPI: client.QueryAPI(org),
		bucket:   bucket,
		catalog:  catalog,
		now:      time.Now,
	}, nil
}

// NewProviderWithQueryAPI builds a provider over an existing query API,
// used by tests and by deployments that manage the client themselves.
func NewProviderWithQueryAPI(queryAPI api.QueryAPI, bucket string, catalog *tools.Catalog) *Provider {
	return &Provider{queryAPI: queryAPI, bucket: bucket, catalog: catalog, now: time.Now}
}

// WithClock overrides the provider clock. Test hook.
func (p *Provider) WithClock(now func() time.Time) *Provider {
	p.now = now
	return p
}

// Schema implements tools.Backend.
func (p *Provider) Schema(_ context.Context, target string) (*tools.Schema, error) {
	if s, ok := p.catalog.ToolSchema(target); ok {
		return s, nil
	}
	if s, ok := p.catalog.PromptSchema(target); ok {
		return s, nil
	}
	return nil, fmt.Errorf("schema %q: %w", target, tools.ErrUnknownTarget)
}

// Invoke implements tools.Backend.
func (p *Provider) Invoke(ctx context.Context, target string, args map[string]any) (*tools.InvokeResult, error) {
	ctx, span := providerTracer.Start(ctx, "influx.Invoke")
	defer span.End()
	span.SetAttributes(attribute.String("tool.target", target))

	var (
		result *tools.InvokeResult
		err    error
	)
	switch target {
	case "current_date":
		result = p.currentDate(args)
	case "list_measurements":
		result, err = p.listMeasurements(ctx, args)
	case "describe_measurement":
		result, err = p.describeMeasurement(ctx, args)
	case "query_metrics":
		result, err = p.queryMetrics(ctx, args)
	case "compose_report":
		result = composeReport(args)
	default:
		if p.catalog.HasTool(target) {
			result = errResult("tool %q is not served by the metrics provider", target)
		} else {
			err = fmt.Errorf("invoke %q: %w", target, tools.ErrUnknownTarget)
		}
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invoke failed")
		return nil, err
	}
	span.SetAttributes(attribute.String("tool.status", string(result.Status)))
	return result, nil
}

// currentDate anchors relative time phrases for the whole turn. With a
// "range" argument it also expands the phrase into concrete days, which is
// what the date-range orchestrator fans out over.
func (p *Provider) currentDate(args map[string]any) *tools.InvokeResult {
	now := p.now().UTC()
	year, week := now.ISOWeek()
	payload := map[string]any{
		"date":     now.Format(dates.Format),
		"weekday":  now.Weekday().String(),
		"iso_week": fmt.Sprintf("%d-W%02d", year, week),
		"time":     now.Format(time.RFC3339),
	}
	if phrase, ok := args["range"].(string); ok && phrase != "" {
		days, err := dates.Expand(phrase, now)
		if err != nil {
			return errResult("%v", err)
		}
		list := make([]any, len(days))
		for i, d := range days {
			list[i] = d
		}
		payload["range"] = phrase
		payload["dates"] = list
	}
	return &tools.InvokeResult{
		Status:  tools.InvokeSuccess,
		Payload: payload,
	}
}

func (p *Provider) listMeasurements(ctx context.Context, args map[string]any) (*tools.InvokeResult, error) {
	flux := fmt.Sprintf(`import "influxdata/influxdb/schema"
schema.measurements(bucket: %q)`, p.bucket)

	values, err := p.collectValues(ctx, flux)
	if err != nil {
		return errResult("listing measurements failed: %v", err), nil
	}
	if filter, ok := args["filter"].(string); ok && filter != "" {
		var kept []string
		for _, v := range values {
			if strings.Contains(v, filter) {
				kept = append(kept, v)
			}
		}
		values = kept
	}
	return &tools.InvokeResult{
		Status:   tools.InvokeSuccess,
		Payload:  map[string]any{"measurements": values},
		Metadata: map[string]any{"count": len(values)},
	}, nil
}

func (p *Provider) describeMeasurement(ctx context.Context, args map[string]any) (*tools.InvokeResult, error) {
	measurement, err := identArg(args, "measurement")
	if err != nil {
		return errResult("%v", err), nil
	}
	flux := fmt.Sprintf(`import "influxdata/influxdb/schema"
schema.measurementFieldKeys(bucket: %q, measurement: %q)`, p.bucket, measurement)

	columns, err := p.collectValues(ctx, flux)
	if err != nil {
		return errResult("describing measurement failed: %v", err), nil
	}
	if len(columns) == 0 {
		return errResult("measurement %q does not exist", measurement), nil
	}
	return &tools.InvokeResult{
		Status:   tools.InvokeSuccess,
		Payload:  map[string]any{"measurement": measurement, "columns": columns},
		Metadata: map[string]any{"count": len(columns)},
	}, nil
}

func (p *Provider) queryMetrics(ctx context.Context, args map[string]any) (*tools.InvokeResult, error) {
	flux, buildErr := buildMetricsQuery(p.bucket, args)
	if buildErr != nil {
		return errResult("%v", buildErr), nil
	}

	result, err := p.queryAPI.Query(ctx, flux)
	if err != nil {
		return errResult("query failed: %v", err), nil
	}

	var rows []map[string]any
	if result != nil {
		for result.Next() {
			record := result.Record()
			rows = append(rows, map[string]any{
				"time":   record.Time().Format(time.RFC3339),
				"column": record.Field(),
				"value":  record.Value(),
			})
		}
		if rerr := result.Err(); rerr != nil {
			return errResult("query failed: %v", rerr), nil
		}
	}
	payload := map[string]any{
		"measurement": args["measurement"],
		"rows":        rows,
		"row_count":   len(rows),
	}
	if date, ok := args["date"].(string); ok && date != "" {
		payload["date"] = date
	}
	if column, ok := args["column"].(string); ok && column != "" {
		payload["column"] = column
	}
	return &tools.InvokeResult{
		Status:   tools.InvokeSuccess,
		Payload:  payload,
		Metadata: map[string]any{"row_count": len(rows)},
	}, nil
}

// composeReport renders the terminal report. Content must already be plain
// text; structured payloads are the caller's sanitization problem, matching
// the validation contract the correction chain keys on.
func composeReport(args map[string]any) *tools.InvokeResult {
	content, ok := args["content"].(string)
	if !ok || strings.TrimSpace(content) == "" {
		return errResult("structured output validation failed: content must be plain text")
	}
	report := content
	if title, ok := args["title"].(string); ok && title != "" {
		report = title + "\n\n" + content
	}
	return &tools.InvokeResult{
		Status:  tools.InvokeSuccess,
		Payload: map[string]any{"report": report},
	}
}

// buildMetricsQuery assembles the flux script for query_metrics.
//
// Description:
//
//	Identifiers are validated against a conservative pattern before they
//	are interpolated; a relative date phrase that survived rewriting is
//	rejected here rather than guessed at.
func buildMetricsQuery(bucket string, args map[string]any) (string, error) {
	measurement, err := identArg(args, "measurement")
	if err != nil {
		return "", err
	}

	start, stop := "-24h", "now()"
	if raw, ok := args["date"].(string); ok && raw != "" {
		day, perr := time.Parse("2006-01-02", raw)
		if perr != nil {
			return "", fmt.Errorf("unsupported date literal %q: expected YYYY-MM-DD", raw)
		}
		start = day.UTC().Format(time.RFC3339)
		stop = day.UTC().Add(24 * time.Hour).Format(time.RFC3339)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "from(bucket: %q)\n", bucket)
	fmt.Fprintf(&b, "  |> range(start: %s, stop: %s)\n", start, stop)
	fmt.Fprintf(&b, "  |> filter(fn: (r) => r._measurement == %q)\n", measurement)

	if column, ok := args["column"].(string); ok && column != "" {
		if !identPattern.MatchString(column) {
			return "", fmt.Errorf("invalid column %q", column)
		}
		fmt.Fprintf(&b, "  |> filter(fn: (r) => r._field == %q)\n", column)
	}
	if filter, ok := args["filter"].(string); ok && filter != "" {
		key, value, found := strings.Cut(filter, "=")
		if !found || !identPattern.MatchString(key) || !identPattern.MatchString(value) {
			return "", fmt.Errorf("invalid filter %q: expected tag=value", filter)
		}
		fmt.Fprintf(&b, "  |> filter(fn: (r) => r.%s == %q)\n", key, value)
	}

	aggregate := "mean"
	if agg, ok := args["aggregate"].(string); ok && agg != "" {
		switch agg {
		case "mean", "max", "min", "sum", "count":
			aggregate = agg
		default:
			return "", fmt.Errorf("invalid query: unsupported aggregate %q", agg)
		}
	}
	fmt.Fprintf(&b, "  |> aggregateWindow(every: 1h, fn: %s, createEmpty: false)", aggregate)
	return b.String(), nil
}

// collectValues runs a flux script that yields one string value per record.
func (p *Provider) collectValues(ctx context.Context, flux string) ([]string, error) {
	result, err := p.queryAPI.Query(ctx, flux)
	if err != nil {
		return nil, err
	}
	var values []string
	if result != nil {
		for result.Next() {
			if v, ok := result.Record().Value().(string); ok {
				values = append(values, v)
			}
		}
		if rerr := result.Err(); rerr != nil {
			return nil, rerr
		}
	}
	return values, nil
}

// identArg reads a required identifier argument.
func identArg(args map[string]any, name string) (string, error) {
	v, ok := args[name].(string)
	if !ok || v == "" {
		return "", fmt.Errorf("missing required argument %q", name)
	}
	if !identPattern.MatchString(v) {
		return "", fmt.Errorf("invalid %s %q", name, v)
	}
	return v, nil
}

func errResult(format string, args ...any) *tools.InvokeResult {
	return &tools.InvokeResult{
		Status:    tools.InvokeError,
		ErrorText: fmt.Sprintf(format, args...),
	}
}
