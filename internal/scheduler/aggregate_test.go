package scheduler

import (
	"reflect"
	"testing"
)

func TestPartition(t *testing.T) {
	tests := []struct {
		name string
		n    int
		size int
		want []int
	}{
		{"empty", 0, 10, nil},
		{"exact", 20, 10, []int{10, 10}},
		{"remainder", 25, 10, []int{10, 10, 5}},
		{"smaller than batch", 3, 10, []int{3}},
		{"size one", 3, 1, []int{1, 1, 1}},
		{"non-positive size", 2, 0, []int{1, 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ids := tenantIDs(tt.n)
			batches := Partition(ids, tt.size)

			var sizes []int
			var flat []string
			for _, b := range batches {
				sizes = append(sizes, len(b))
				flat = append(flat, b...)
			}
			if !reflect.DeepEqual(sizes, tt.want) {
				t.Fatalf("sizes = %v, want %v", sizes, tt.want)
			}
			if tt.n > 0 && !reflect.DeepEqual(flat, ids) {
				t.Fatalf("order not preserved: %v", flat)
			}
		})
	}
}

func TestMerge(t *testing.T) {
	a := newResult("A")
	a.Total, a.Sent = 2, 2
	b := newResult("B")
	b.Total, b.Failed = 1, 1
	b.addError(KindDelivery, 9, "reminder 9: boom")

	report := Merge([]TenantProcessingResult{a, b})

	if len(report) != 2 {
		t.Fatalf("report = %v", report)
	}
	if report["A"].Sent != 2 || report["B"].Errors[0].ReminderID != 9 {
		t.Fatalf("report = %+v", report)
	}
	if len(Merge(nil)) != 0 {
		t.Fatal("merge of nothing should be empty")
	}
}

func TestSummarize(t *testing.T) {
	ok := newResult("ok")
	ok.Total, ok.Sent = 3, 3
	partial := newResult("partial")
	partial.Total, partial.Sent, partial.Failed = 2, 1, 1
	partial.addError(KindValidation, 1, "reminder 1: invalid channel_id")
	fetch := newResult("down")
	fetch.addError(KindFetch, 0, "fetch due reminders: timeout")

	sum := Merge([]TenantProcessingResult{ok, partial, fetch}).Summarize()

	if sum.Tenants != 3 || sum.Total != 5 || sum.Sent != 4 || sum.Failed != 1 || sum.Errors != 2 {
		t.Fatalf("summary = %+v", sum)
	}
	if !reflect.DeepEqual(sum.FailingTenants, []string{"down", "partial"}) {
		t.Fatalf("failing = %v", sum.FailingTenants)
	}
}

func TestOutcome(t *testing.T) {
	r := newResult("x")
	if outcome(r) != "ok" {
		t.Fatal("empty result is ok")
	}
	r.Sent, r.Failed = 1, 1
	if outcome(r) != "partial" {
		t.Fatal("mixed result is partial")
	}
	r.Sent = 0
	if outcome(r) != "error" {
		t.Fatal("failed-only result is error")
	}
}
