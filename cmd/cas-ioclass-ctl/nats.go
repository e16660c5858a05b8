package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gftdcojp/cas-ioclass/pkg/casclient"
	"github.com/nats-io/nats.go"
)

func runNATS(url, prefix string, args []string) {
	nc, err := nats.Connect(url, nats.Name("cas-ioclass-ctl"))
	if err != nil {
		fatalf("connecting to NATS: %v", err)
	}
	defer nc.Close()

	client, err := casclient.New(casclient.Config{NC: nc, SubjectPrefix: prefix})
	if err != nil {
		fatalf("%v", err)
	}
	ctx := context.Background()

	switch {
	case args[0] == "ioclass" && len(args) >= 3 && args[1] == "list":
		classes, err := client.Classes(ctx, args[2])
		check(err)
		printValue(classes)
	case args[0] == "ioclass" && len(args) >= 4 && args[1] == "load":
		data, err := os.ReadFile(args[3])
		check(err)
		res, err := client.LoadConfig(ctx, args[2], data, formatFor(args[3]))
		check(err)
		printValue(res)
	case args[0] == "stats" && len(args) >= 3:
		core := parseUint(args[2], 16)
		if len(args) > 3 {
			res, err := client.ClassStats(ctx, args[1], uint16(core), uint32(parseUint(args[3], 32)))
			check(err)
			printValue(res)
			return
		}
		res, err := client.CoreStats(ctx, args[1], uint16(core))
		check(err)
		printValue(res)
	case args[0] == "classify" && len(args) >= 3:
		attrs := casclient.Attributes{Direction: args[2]}
		if len(args) > 3 {
			attrs.Size = parseUint(args[3], 64)
		}
		if len(args) > 4 {
			attrs.Flags = strings.Split(args[4], ",")
		}
		res, err := client.Classify(ctx, args[1], attrs)
		check(err)
		printValue(res)
	default:
		fatalf("command %q is not available over NATS", strings.Join(args, " "))
	}
}

func formatFor(file string) casclient.Format {
	switch strings.ToLower(filepath.Ext(file)) {
	case ".yaml", ".yml":
		return casclient.FormatYAML
	case ".json":
		return casclient.FormatJSON
	default:
		return casclient.FormatCSV
	}
}

func parseUint(s string, bits int) uint64 {
	v, err := strconv.ParseUint(s, 10, bits)
	if err != nil {
		fatalf("invalid number %q", s)
	}
	return v
}

func check(err error) {
	if err == nil {
		return
	}
	if re, ok := err.(*casclient.RemoteError); ok && re.Index != nil {
		fatalf("%v (entry %d, field %s)", re, *re.Index, re.Field)
	}
	fatalf("%v", err)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}

func printValue(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}
