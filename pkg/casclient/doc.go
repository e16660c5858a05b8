// Package casclient is a Go client for the cas-ioclassd NATS request-reply
// interface.
//
// # Installation
//
//	go get github.com/gftdcojp/cas-ioclass/pkg/casclient
//
// # Basic Usage
//
//	nc, _ := nats.Connect("nats://localhost:4222")
//	client, _ := casclient.New(casclient.Config{NC: nc})
//
//	// Install a new io class table from a CSV file
//	data, _ := os.ReadFile("ioclass.csv")
//	res, _ := client.LoadConfig(ctx, "cache1", data, casclient.FormatCSV)
//	fmt.Println(res.Generation)
//
//	// Per-class statistics of core 1
//	core, _ := client.CoreStats(ctx, "cache1", 1)
//	for _, s := range core.Classes {
//		fmt.Println(s.ClassName, s.Requests.Total)
//	}
//
// # Subjects
//
// The subject prefix defaults to "cas" and can be configured via
// [Config.SubjectPrefix].
//
//	cas.ioclass.load.{cache}                   install a config (CSV, YAML or JSON payload)
//	cas.ioclass.list.{cache}                   list the active table
//	cas.ioclass.stats.{cache}.{core}           statistics of every class on a core
//	cas.ioclass.stats.{cache}.{core}.{class}   statistics of one class
//	cas.classify.{cache}                       classify request attributes
//
// Failed requests are returned as [*RemoteError]. Config validation failures
// carry the offending entry.
package casclient
