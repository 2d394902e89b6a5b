package router

import (
	"bytes"
	"fmt"
	"slices"
	"strings"
	"text/tabwriter"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"hashring/internal/metrics"
)

// numbers formats counts with thousands separators.
var numbers = message.NewPrinter(language.English)

// Status renders the ring as a table: one row per node with its address,
// zone, weight, virtual node count, share of sampled load and rebalance
// state.
func (r *Router) Status() string {
	topo := r.registry.Snapshot()
	loads := r.loads(topo)
	states := r.rebalancer.States()

	var total int
	for _, l := range loads {
		total += l
	}

	var buf bytes.Buffer
	numbers.Fprintf(&buf, "version=%d nodes=%d vnodes=%d hash=%s lookups=%d cv=%.4f\n",
		topo.Version, topo.PhysicalCount(), topo.VirtualCount(), topo.Ring.Hash(),
		r.collector.TotalLookups(), metrics.CoefficientOfVariation(loads))

	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NODE\tADDR\tZONE\tWEIGHT\tVNODES\tLOAD\tSTATE\tMETADATA")
	for _, n := range topo.Nodes() {
		share := 0.0
		if total > 0 {
			share = 100 * float64(loads[n.ID]) / float64(total)
		}
		numbers.Fprintf(w, "%s\t%s\t%s\t%.2f\t%d\t%.1f%%\t%s\t%s\n",
			n.ID, dash(n.Addr), dash(n.Zone), n.Weight, topo.Ring.VirtualCount(n.ID),
			share, states[n.ID], metadata(n.Metadata))
	}
	w.Flush()
	return buf.String()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func metadata(md map[string]string) string {
	if len(md) == 0 {
		return "-"
	}
	pairs := make([]string, 0, len(md))
	keys := make([]string, 0, len(md))
	for k := range md {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		pairs = append(pairs, k+"="+md[k])
	}
	return strings.Join(pairs, ",")
}
