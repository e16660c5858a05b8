package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"text/tabwriter"
)

var version = "dev"

func main() {
	addr := flag.String("addr", "http://localhost:8080", "cas-ioclassd API address")
	natsURL := flag.String("nats", "", "talk to the NATS responder at this URL instead of the HTTP API")
	prefix := flag.String("prefix", "cas", "NATS responder subject prefix")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	if *natsURL != "" && args[0] != "version" {
		runNATS(*natsURL, *prefix, args)
		return
	}

	switch args[0] {
	case "version":
		fmt.Printf("cas-ioclass-ctl %s\n", version)
	case "status":
		cmdGet(*addr, "/v1/status")
	case "caches":
		cmdCaches(*addr)
	case "ioclass":
		if len(args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: cas-ioclass-ctl ioclass list|load <cache> [file]")
			os.Exit(1)
		}
		switch args[1] {
		case "list":
			cmdListClasses(*addr, args[2])
		case "load":
			if len(args) < 4 {
				fmt.Fprintln(os.Stderr, "usage: cas-ioclass-ctl ioclass load <cache> <file>")
				os.Exit(1)
			}
			cmdLoadClasses(*addr, args[2], args[3])
		default:
			fmt.Fprintf(os.Stderr, "unknown ioclass command: %s\n", args[1])
			os.Exit(1)
		}
	case "cores":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: cas-ioclass-ctl cores <cache>")
			os.Exit(1)
		}
		cmdCores(*addr, args[1])
	case "stats":
		if len(args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: cas-ioclass-ctl stats <cache> <core> [class]")
			os.Exit(1)
		}
		if len(args) > 3 {
			cmdGet(*addr, "/v1/caches/"+url.PathEscape(args[1])+"/cores/"+args[2]+"/ioclasses/"+args[3]+"/stats")
		} else {
			cmdCoreStats(*addr, args[1], args[2])
		}
	case "reset":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: cas-ioclass-ctl reset <cache> [core]")
			os.Exit(1)
		}
		path := "/v1/caches/" + url.PathEscape(args[1]) + "/stats/reset"
		if len(args) > 2 {
			path += "?core=" + url.QueryEscape(args[2])
		}
		cmdPost(*addr, path, "", nil)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `cas-ioclass-ctl - IO class management CLI

Usage:
  cas-ioclass-ctl [flags] <command> [args]

Commands:
  status                        Show daemon status
  caches                        List caches
  ioclass list <cache>          Show the active io class table
  ioclass load <cache> <file>   Load an io class config (.csv, .yaml, .json)
  cores <cache>                 List attached cores
  stats <cache> <core> [class]  Show per-class statistics
  reset <cache> [core]          Reset statistics
  classify <cache> <read|write> [size] [flag,...]
                                Classify a request (NATS only)
  version                       Show version

Flags:
  -addr string     API address (default "http://localhost:8080")
  -nats string     NATS URL; ioclass, stats and classify go through the responder
  -prefix string   NATS subject prefix (default "cas")`)
}

func get(addr, path string) *http.Response {
	resp, err := http.Get(addr + path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		fail(resp)
	}
	return resp
}

func fail(resp *http.Response) {
	fmt.Fprintf(os.Stderr, "error: %s\n", resp.Status)
	printJSON(resp.Body)
	os.Exit(1)
}

func cmdGet(addr, path string) {
	resp := get(addr, path)
	defer resp.Body.Close()
	printJSON(resp.Body)
}

func cmdPost(addr, path, contentType string, body io.Reader) {
	resp, err := http.Post(addr+path, contentType, body)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		fail(resp)
	}
	printJSON(resp.Body)
}

func cmdCaches(addr string) {
	resp := get(addr, "/v1/caches")
	defer resp.Body.Close()

	var caches []struct {
		ID         string            `json:"id"`
		Generation uint64            `json:"generation"`
		Classes    int               `json:"classes"`
		Cores      []json.RawMessage `json:"cores"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&caches); err != nil {
		fmt.Fprintf(os.Stderr, "error decoding response: %v\n", err)
		os.Exit(1)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CACHE\tGENERATION\tCLASSES\tCORES")
	for _, c := range caches {
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\n", c.ID, c.Generation, c.Classes, len(c.Cores))
	}
	w.Flush()
}

func cmdListClasses(addr, cache string) {
	resp := get(addr, "/v1/caches/"+url.PathEscape(cache)+"/ioclasses")
	defer resp.Body.Close()

	var classes []map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&classes); err != nil {
		fmt.Fprintf(os.Stderr, "error decoding response: %v\n", err)
		os.Exit(1)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tPRIORITY\tEVICTION\tALLOCATION\tMODE\tRULE")
	for _, c := range classes {
		mode := c["cache_mode"]
		if mode == nil {
			mode = "-"
		}
		fmt.Fprintf(w, "%v\t%v\t%v\t%v\t%v\t%v\t%v\n",
			c["id"], c["name"], c["priority"], c["eviction_priority"], c["allocation"], mode, c["rule"])
	}
	w.Flush()
}

func cmdLoadClasses(addr, cache, file string) {
	f, err := os.Open(file)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer f.Close()

	cmdPost(addr, "/v1/caches/"+url.PathEscape(cache)+"/ioclasses", string(formatFor(file)), f)
}

func cmdCores(addr, cache string) {
	resp := get(addr, "/v1/caches/"+url.PathEscape(cache)+"/cores")
	defer resp.Body.Close()

	var cores []map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&cores); err != nil {
		fmt.Fprintf(os.Stderr, "error decoding response: %v\n", err)
		os.Exit(1)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CORE\tPATH")
	for _, c := range cores {
		fmt.Fprintf(w, "%v\t%v\n", c["core_id"], c["path"])
	}
	w.Flush()
}

func cmdCoreStats(addr, cache, core string) {
	resp := get(addr, "/v1/caches/"+url.PathEscape(cache)+"/cores/"+core+"/stats")
	defer resp.Body.Close()

	var out struct {
		Generation uint64 `json:"generation"`
		Classes    []struct {
			ClassID   uint32 `json:"class_id"`
			ClassName string `json:"class_name"`
			Requests  struct {
				Total             uint64 `json:"requests_total"`
				ReadHits          uint64 `json:"read_hits"`
				WriteHits         uint64 `json:"write_hits"`
				PassThroughReads  uint64 `json:"pass_through_reads"`
				PassThroughWrites uint64 `json:"pass_through_writes"`
			} `json:"request_stats"`
			Blocks struct {
				Exported struct {
					Total uint64 `json:"total"`
				} `json:"exported"`
			} `json:"block_stats"`
		} `json:"classes"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		fmt.Fprintf(os.Stderr, "error decoding response: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("generation %d\n", out.Generation)
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tREQUESTS\tHITS\tPASS_THROUGH\tBYTES")
	for _, c := range out.Classes {
		fmt.Fprintf(w, "%d\t%s\t%d\t%d\t%d\t%d\n",
			c.ClassID, c.ClassName, c.Requests.Total,
			c.Requests.ReadHits+c.Requests.WriteHits,
			c.Requests.PassThroughReads+c.Requests.PassThroughWrites,
			c.Blocks.Exported.Total)
	}
	w.Flush()
}

func printJSON(r io.Reader) {
	var v interface{}
	if err := json.NewDecoder(r).Decode(&v); err != nil {
		fmt.Fprintf(os.Stderr, "error decoding response: %v\n", err)
		return
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}
