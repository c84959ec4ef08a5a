/**
 * Copyright (c) 2022, Xerra Earth Observation Institute.
 * Copyright (c) 2025, Simeon Miteff.
 *
 * See LICENSE.TXT in the root directory of this source tree.
 */

// tdoa-metrics-gen regenerates pkg/rangingstats/generated_metrics.go from
// the `tdoa:"..."` struct tags on rangingstats.Counters, the same way the
// teacher's cmd/prom-metrics-gen walks pkg/linux/tcpinfo.go's `tcpi:"..."`
// tags. The template is embedded rather than loaded from a .tmpl file,
// since this tool has no separate template asset to ship.
package main

import (
	"bytes"
	"go/ast"
	"go/parser"
	"go/token"
	"log"
	"os"
	"reflect"
	"strings"
	"text/template"
)

const (
	sourcePath = "pkg/rangingstats/rangingstats.go"
	outputPath = "pkg/rangingstats/generated_metrics.go"

	// metricPrefix is prepended to every `name=` tag value, matching
	// the hand-written tdoa_focus_anchor_* gauges in focus_metrics.go
	// so generated and hand-written series share one namespace.
	metricPrefix = "tdoa_"
)

// Metric describes one counter field discovered on Counters.
type Metric struct {
	Name      string
	FieldName string
	Help      string
}

func main() {
	fset := token.NewFileSet()
	node, err := parser.ParseFile(fset, sourcePath, nil, parser.ParseComments)
	if err != nil {
		log.Fatal(err)
	}

	var metrics []Metric
	ast.Inspect(node, func(n ast.Node) bool {
		s, ok := n.(*ast.StructType)
		if !ok {
			return true
		}
		for _, f := range s.Fields.List {
			if f.Tag == nil || len(f.Names) == 0 {
				continue
			}
			tag := reflect.StructTag(strings.Trim(f.Tag.Value, "`"))
			raw, ok := tag.Lookup("tdoa")
			if !ok {
				continue
			}
			metrics = append(metrics, parseTag(f.Names[0].Name, raw))
		}
		return false
	})

	tmpl, err := template.New("generated_metrics").Parse(metricsTemplate)
	if err != nil {
		log.Fatal(err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, struct{ Metrics []Metric }{Metrics: metrics}); err != nil {
		log.Fatal(err)
	}

	if err := os.WriteFile(outputPath, buf.Bytes(), 0o644); err != nil {
		log.Fatal(err)
	}

	log.Printf("generated %s from %d tagged fields", outputPath, len(metrics))
}

// parseTag mirrors prom-metrics-gen's hand-rolled tag parser: a
// comma-separated key=value list where a value may be single-quoted to
// carry its own commas (used for the prom_help text).
func parseTag(fieldName, raw string) Metric {
	m := Metric{FieldName: fieldName}
	for raw != "" {
		i := strings.Index(raw, "=")
		if i == -1 {
			log.Printf("malformed tag (missing =): %s [%s]", raw, fieldName)
			break
		}
		key := raw[:i]
		raw = raw[i+1:]

		var value string
		if strings.HasPrefix(raw, "'") {
			raw = raw[1:]
			j := strings.Index(raw, "'")
			if j == -1 {
				log.Printf("malformed tag (missing closing '): %s [%s]", raw, fieldName)
				break
			}
			value = raw[:j]
			raw = raw[j+1:]
			raw = strings.TrimPrefix(raw, ",")
		} else if j := strings.Index(raw, ","); j != -1 {
			value = raw[:j]
			raw = raw[j+1:]
		} else {
			value = raw
			raw = ""
		}

		switch key {
		case "name":
			m.Name = metricPrefix + value
		case "prom_help":
			m.Help = value
		}
	}
	return m
}

const metricsTemplate = `// Code generated by cmd/tdoa-metrics-gen from pkg/rangingstats/rangingstats.go. DO NOT EDIT.

package rangingstats

import "github.com/prometheus/client_golang/prometheus"

type countInfo struct {
	description *prometheus.Desc
	supplier    func(c *Counters) prometheus.Metric
}

func newCounterMetric(name, help string, value func(c *Counters) float64) countInfo {
	desc := prometheus.NewDesc(name, help, nil, nil)
	return countInfo{
		description: desc,
		supplier: func(c *Counters) prometheus.Metric {
			return prometheus.MustNewConstMetric(desc, prometheus.CounterValue, value(c))
		},
	}
}

var counterMetrics = []countInfo{
{{- range .Metrics }}
	newCounterMetric("{{ .Name }}", "{{ .Help }}",
		func(c *Counters) float64 { return float64(c.{{ .FieldName }}) }),
{{- end }}
}
`
