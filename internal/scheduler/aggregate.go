package scheduler

import "sort"

// Merge keys per-tenant results by tenant id. A tenant appears once per
// tick, so the last result for an id wins only if the input is malformed.
func Merge(results []TenantProcessingResult) TickReport {
	report := make(TickReport, len(results))
	for _, r := range results {
		report[r.TenantID] = r
	}
	return report
}

// Partition splits ids into consecutive groups of at most size ids,
// preserving order. size <= 0 is treated as 1.
func Partition(ids []string, size int) [][]string {
	if size <= 0 {
		size = 1
	}
	if len(ids) == 0 {
		return nil
	}

	batches := make([][]string, 0, (len(ids)+size-1)/size)
	for start := 0; start < len(ids); start += size {
		end := start + size
		if end > len(ids) {
			end = len(ids)
		}
		batches = append(batches, ids[start:end])
	}
	return batches
}

// Summary aggregates a TickReport for logs, notifications and the API.
type Summary struct {
	Tenants        int      `json:"tenants"`
	Total          int      `json:"total"`
	Sent           int      `json:"sent"`
	Failed         int      `json:"failed"`
	Errors         int      `json:"errors"`
	FailingTenants []string `json:"failing_tenants"`
}

// Summarize totals the report. FailingTenants is sorted.
func (r TickReport) Summarize() Summary {
	s := Summary{Tenants: len(r), FailingTenants: []string{}}
	for id, res := range r {
		s.Total += res.Total
		s.Sent += res.Sent
		s.Failed += res.Failed
		s.Errors += len(res.Errors)
		if res.HasFailures() {
			s.FailingTenants = append(s.FailingTenants, id)
		}
	}
	sort.Strings(s.FailingTenants)
	return s
}

// TenantIDs returns the report's tenant ids in sorted order.
func (r TickReport) TenantIDs() []string {
	ids := make([]string, 0, len(r))
	for id := range r {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
