package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"merkledrop/integrations/exports"
)

func runExport(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var shared commonFlags
	shared.register(fs)
	class := fs.String("class", "", "Token class of the distributor")
	file := fs.String("file", "", "Distributor file (default: the stored distributor for -epoch)")
	format := fs.String("format", "csv", "Export format: csv or jsonl")
	out := fs.String("out", "", "Output path (default: stdout)")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	a, err := newApp(shared, stdout, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitUsage
	}
	defer a.close()

	d, err := loadDistributor(a, shared, *class, *file)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitFailed
	}
	var (
		data     []byte
		checksum string
	)
	switch strings.ToLower(*format) {
	case "csv":
		data, checksum, err = exports.DistributorCSV(d)
	case "jsonl":
		data, checksum, err = exports.DistributorJSONL(d)
	default:
		fmt.Fprintf(stderr, "Error: unknown format %q\n", *format)
		return exitUsage
	}
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitFailed
	}
	if *out == "" {
		if _, err := stdout.Write(data); err != nil {
			return exitUsage
		}
		return exitOK
	}
	if err := os.WriteFile(*out, data, 0o644); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitFailed
	}
	if err := writeJSON(stdout, map[string]string{"path": *out, "checksum": checksum}); err != nil {
		return exitUsage
	}
	return exitOK
}
