// Command ringctl talks to a running ringd.
//
// Usage:
//
//	ringctl [--addr host:port] [--timeout d] <command> [args]
//
// Commands:
//
//	lookup KEY                        owner of KEY
//	replicas [--zone-diverse] KEY N   N replicas of KEY
//	add 'id=addr;zone=z;weight=w'     register nodes (comma-separated)
//	remove ID                         unregister a node
//	member 'id=addr;...' STATUS INC   apply a membership update
//	metrics                           lookup and load metrics
//	rebalance                         run one rebalance cycle
//	status                            ring status table
//	health                            service health
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"hashring/internal/config"
	"hashring/internal/membership"
	"hashring/internal/server"
)

var numbers = message.NewPrinter(language.English)

func main() {
	addr := flag.String("addr", "127.0.0.1:50051", "ringd address")
	timeout := flag.Duration("timeout", 10*time.Second, "request timeout")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() == 0 {
		usage()
		os.Exit(2)
	}

	client, err := server.Dial(*addr)
	if err != nil {
		fatalf("%v", err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := run(ctx, client, flag.Arg(0), flag.Args()[1:]); err != nil {
		fatalf("%s: %v", flag.Arg(0), err)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage: ringctl [--addr host:port] [--timeout d] lookup|replicas|add|remove|member|metrics|rebalance|status|health [args]\n")
	flag.PrintDefaults()
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "ringctl: "+format+"\n", args...)
	os.Exit(1)
}

func wantArgs(args []string, n int, form string) error {
	if len(args) != n {
		return fmt.Errorf("usage: %s", form)
	}
	return nil
}

func run(ctx context.Context, client *server.Client, cmd string, args []string) error {
	switch cmd {
	case "lookup":
		if err := wantArgs(args, 1, "lookup KEY"); err != nil {
			return err
		}
		n, err := client.Lookup(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("%s\t%s\t%s\n", n.ID, n.Addr, n.Zone)

	case "replicas":
		fs := flag.NewFlagSet("replicas", flag.ContinueOnError)
		diverse := fs.Bool("zone-diverse", false, "prefer replicas in distinct zones")
		if err := fs.Parse(args); err != nil {
			return err
		}
		if err := wantArgs(fs.Args(), 2, "replicas [--zone-diverse] KEY N"); err != nil {
			return err
		}
		n, err := strconv.Atoi(fs.Arg(1))
		if err != nil {
			return fmt.Errorf("invalid replica count %q", fs.Arg(1))
		}
		ids, err := client.LookupReplicas(ctx, fs.Arg(0), n, *diverse)
		if err != nil {
			return err
		}
		for _, id := range ids {
			fmt.Println(id)
		}

	case "add":
		if err := wantArgs(args, 1, "add 'id=addr;zone=z;weight=w,...'"); err != nil {
			return err
		}
		nodes, err := config.ParseNodes(args[0])
		if err != nil {
			return err
		}
		for _, n := range nodes {
			if err := client.AddNode(ctx, n); err != nil {
				return err
			}
			fmt.Printf("added %s\n", n.ID)
		}

	case "remove":
		if err := wantArgs(args, 1, "remove ID"); err != nil {
			return err
		}
		if err := client.RemoveNode(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("removed %s\n", args[0])

	case "member":
		if err := wantArgs(args, 3, "member 'id=addr;zone=z;weight=w' alive|suspect|dead INCARNATION"); err != nil {
			return err
		}
		nodes, err := config.ParseNodes(args[0])
		if err != nil {
			return err
		}
		st, err := membership.ParseStatus(args[1])
		if err != nil {
			return err
		}
		inc, err := strconv.ParseUint(args[2], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid incarnation %q", args[2])
		}
		updates := make([]membership.Member, 0, len(nodes))
		for _, n := range nodes {
			updates = append(updates, membership.Member{
				ID: n.ID, Addr: n.Addr, Zone: n.Zone, Weight: n.Weight, Metadata: n.Metadata,
				Status: st, Incarnation: inc,
			})
		}
		changed, err := client.ApplyMembership(ctx, updates)
		fmt.Printf("changed %d\n", changed)
		return err

	case "metrics":
		m, err := client.GetMetrics(ctx)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		numbers.Fprintf(w, "total_lookups\t%d\n", m.TotalLookups)
		fmt.Fprintf(w, "avg_lookup_latency\t%v\n", m.AvgLookupLatency)
		fmt.Fprintf(w, "load_cv\t%.4f\n", m.LoadCV)
		numbers.Fprintf(w, "virtual_nodes\t%d\n", m.VirtualNodeCount)
		numbers.Fprintf(w, "physical_nodes\t%d\n", m.PhysicalNodeCount)
		return w.Flush()

	case "rebalance":
		report, err := client.Rebalance(ctx)
		if err != nil {
			return err
		}
		if report.Skipped != "" {
			numbers.Printf("skipped: %s (samples=%d cv=%.4f)\n", report.Skipped, report.Samples, report.CVBefore)
			return nil
		}
		numbers.Printf("cv %.4f -> %.4f over %d samples, %d adjustments, %d failed, rolled back: %v\n",
			report.CVBefore, report.CVAfter, report.Samples, len(report.Adjustments), report.Failed, report.RolledBack)
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "NODE\tLOAD_RATIO\tFROM\tTO\tERROR")
		for _, a := range report.Adjustments {
			msg := "-"
			if a.Err != nil {
				msg = a.Err.Error()
			}
			numbers.Fprintf(w, "%s\t%.3f\t%d\t%d\t%s\n", a.NodeID, a.LoadRatio, a.From, a.To, msg)
		}
		return w.Flush()

	case "status":
		out, err := client.Status(ctx)
		if err != nil {
			return err
		}
		fmt.Print(out)

	case "health":
		ok, err := client.Healthy(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("not serving")
		}
		fmt.Println("SERVING")

	default:
		return fmt.Errorf("unknown command")
	}
	return nil
}
