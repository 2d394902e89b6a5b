package server

import (
	"errors"
	"maps"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"hashring/internal/config"
	"hashring/internal/membership"
	"hashring/internal/rebalance"
	"hashring/internal/registry"
	"hashring/internal/router"
)

// Field layouts of the structpb messages:
//
//	node:      {id, addr, zone, weight, metadata{}}; a missing weight is 1
//	member:    node fields + {status, incarnation}
//	replicas:  request {key, n, zone_diverse}; response {replicas[]}
//	metrics:   {total_lookups, avg_lookup_latency_ns, load_cv,
//	            virtual_node_count, physical_node_count}
//	report:    {samples, cv_before, cv_after, failed, rolled_back, skipped,
//	            adjustments[{node_id, load_ratio, from, to, error}]}
//	apply:     request {members[]}; response {changed, error}

func stringMap(md map[string]string) map[string]any {
	out := make(map[string]any, len(md))
	for k, v := range md {
		out[k] = v
	}
	return out
}

func structStrings(s *structpb.Struct) map[string]string {
	if len(s.GetFields()) == 0 {
		return nil
	}
	out := make(map[string]string, len(s.GetFields()))
	for k, v := range s.GetFields() {
		out[k] = v.GetStringValue()
	}
	return out
}

func nodeFields(n registry.PhysicalNode) map[string]any {
	return map[string]any{
		"id":       n.ID,
		"addr":     n.Addr,
		"zone":     n.Zone,
		"weight":   n.Weight,
		"metadata": stringMap(n.Metadata),
	}
}

func nodeToStruct(n registry.PhysicalNode) (*structpb.Struct, error) {
	return structpb.NewStruct(nodeFields(n))
}

func structToNode(s *structpb.Struct) config.Node {
	f := s.GetFields()
	weight := 1.0
	if v, ok := f["weight"]; ok {
		weight = v.GetNumberValue()
	}
	return config.Node{
		ID:       f["id"].GetStringValue(),
		Addr:     f["addr"].GetStringValue(),
		Zone:     f["zone"].GetStringValue(),
		Weight:   weight,
		Metadata: structStrings(f["metadata"].GetStructValue()),
	}
}

func memberToValue(m membership.Member) any {
	fields := nodeFields(registry.PhysicalNode{
		ID: m.ID, Addr: m.Addr, Zone: m.Zone, Weight: m.Weight, Metadata: m.Metadata,
	})
	fields["status"] = m.Status.String()
	fields["incarnation"] = m.Incarnation
	return fields
}

func valueToMember(v *structpb.Value) (membership.Member, error) {
	s := v.GetStructValue()
	if s == nil {
		return membership.Member{}, errors.New("member must be an object")
	}
	n := structToNode(s)
	st, err := membership.ParseStatus(s.GetFields()["status"].GetStringValue())
	if err != nil {
		return membership.Member{}, err
	}
	return membership.Member{
		ID:          n.ID,
		Addr:        n.Addr,
		Zone:        n.Zone,
		Weight:      n.Weight,
		Metadata:    maps.Clone(n.Metadata),
		Status:      st,
		Incarnation: uint64(s.GetFields()["incarnation"].GetNumberValue()),
	}, nil
}

func metricsToStruct(m router.Metrics) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"total_lookups":         m.TotalLookups,
		"avg_lookup_latency_ns": int64(m.AvgLookupLatency),
		"load_cv":               m.LoadCV,
		"virtual_node_count":    m.VirtualNodeCount,
		"physical_node_count":   m.PhysicalNodeCount,
	})
}

func structToMetrics(s *structpb.Struct) router.Metrics {
	f := s.GetFields()
	return router.Metrics{
		TotalLookups:      uint64(f["total_lookups"].GetNumberValue()),
		AvgLookupLatency:  time.Duration(f["avg_lookup_latency_ns"].GetNumberValue()),
		LoadCV:            f["load_cv"].GetNumberValue(),
		VirtualNodeCount:  int(f["virtual_node_count"].GetNumberValue()),
		PhysicalNodeCount: int(f["physical_node_count"].GetNumberValue()),
	}
}

func reportToStruct(r rebalance.Report) (*structpb.Struct, error) {
	adjustments := make([]any, 0, len(r.Adjustments))
	for _, a := range r.Adjustments {
		msg := ""
		if a.Err != nil {
			msg = a.Err.Error()
		}
		adjustments = append(adjustments, map[string]any{
			"node_id":    a.NodeID,
			"load_ratio": a.LoadRatio,
			"from":       a.From,
			"to":         a.To,
			"error":      msg,
		})
	}
	return structpb.NewStruct(map[string]any{
		"samples":     r.Samples,
		"cv_before":   r.CVBefore,
		"cv_after":    r.CVAfter,
		"failed":      r.Failed,
		"rolled_back": r.RolledBack,
		"skipped":     r.Skipped,
		"adjustments": adjustments,
	})
}

func structToReport(s *structpb.Struct) rebalance.Report {
	f := s.GetFields()
	r := rebalance.Report{
		Samples:    int(f["samples"].GetNumberValue()),
		CVBefore:   f["cv_before"].GetNumberValue(),
		CVAfter:    f["cv_after"].GetNumberValue(),
		Failed:     int(f["failed"].GetNumberValue()),
		RolledBack: f["rolled_back"].GetBoolValue(),
		Skipped:    f["skipped"].GetStringValue(),
	}
	for _, v := range f["adjustments"].GetListValue().GetValues() {
		af := v.GetStructValue().GetFields()
		a := rebalance.Adjustment{
			NodeID:    af["node_id"].GetStringValue(),
			LoadRatio: af["load_ratio"].GetNumberValue(),
			From:      int(af["from"].GetNumberValue()),
			To:        int(af["to"].GetNumberValue()),
		}
		if msg := af["error"].GetStringValue(); msg != "" {
			a.Err = errors.New(msg)
		}
		r.Adjustments = append(r.Adjustments, a)
	}
	return r
}

func stringsToList(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func listToStrings(l *structpb.ListValue) []string {
	out := make([]string, 0, len(l.GetValues()))
	for _, v := range l.GetValues() {
		out = append(out, v.GetStringValue())
	}
	return out
}
