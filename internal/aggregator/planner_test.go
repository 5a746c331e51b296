package aggregator

import (
	"context"
	"testing"

	"github.com/withObsrvr/obsrvr-block-writer/internal/block"
	"github.com/withObsrvr/obsrvr-block-writer/internal/checkpoint"
	"github.com/withObsrvr/obsrvr-block-writer/internal/kv"
)

func TestPlan(t *testing.T) {
	tests := []struct {
		name string
		rec  *checkpoint.Record
		txid int64
		want Plan
	}{
		{
			name: "no record",
			txid: 1,
			want: Plan{Mode: ModeFresh, Resume: block.First},
		},
		{
			name: "new batch",
			rec:  &checkpoint.Record{Txid: 5, FirstBlock: block.First, LastBlock: block.Pointer{Blob: 1, Block: 3}},
			txid: 6,
			want: Plan{Mode: ModeNext, Resume: block.Pointer{Blob: 1, Block: 4}, LastTxid: 5},
		},
		{
			name: "new batch at blob end",
			rec:  &checkpoint.Record{Txid: 5, FirstBlock: block.First, LastBlock: block.Pointer{Blob: 2, Block: 50000}},
			txid: 6,
			want: Plan{Mode: ModeNext, Resume: block.Pointer{Blob: 3, Block: 1}, LastTxid: 5},
		},
		{
			name: "replay",
			rec:  &checkpoint.Record{Txid: 6, FirstBlock: block.Pointer{Blob: 1, Block: 4}, LastBlock: block.Pointer{Blob: 1, Block: 9}},
			txid: 6,
			want: Plan{Mode: ModeReplay, Resume: block.Pointer{Blob: 1, Block: 4}, LastTxid: 6},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			m := checkpoint.NewManager(kv.NewMemoryStore(), checkpoint.DefaultKeyFormats().KeysFor(0), block.DefaultNaming(), nil)
			if tt.rec != nil {
				if err := m.Save(ctx, *tt.rec); err != nil {
					t.Fatal(err)
				}
			}
			got, err := NewPlanner(m, block.DefaultLimits(), nil).Plan(ctx, tt.txid)
			if err != nil {
				t.Fatalf("Plan: %v", err)
			}
			if got != tt.want {
				t.Errorf("Plan = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestModeString(t *testing.T) {
	for m, want := range map[Mode]string{ModeFresh: "fresh", ModeNext: "next", ModeReplay: "replay", Mode(9): "Mode(9)"} {
		if m.String() != want {
			t.Errorf("%d.String() = %q, want %q", int(m), m.String(), want)
		}
	}
}
