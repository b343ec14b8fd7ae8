package fingerprint

import (
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
)

func batch() []Record {
	est := time.FixedZone("EST", -5*3600)
	return []Record{
		{
			ID:         "a1b2c3d4-0000-4000-8000-000000000001",
			ActorID:    "user-42",
			Action:     "read",
			TargetType: "Patient",
			TargetID:   "pat-7",
			Timestamp:  time.Date(2024, 3, 1, 10, 15, 30, 123_000_000, time.UTC),
			Metadata:   &Metadata{PatientID: "pat-7", IPAddress: "10.0.0.5"},
		},
		{
			ID:        "a1b2c3d4-0000-4000-8000-000000000002",
			Action:    "export",
			Timestamp: time.Date(2024, 3, 1, 10, 16, 0, 0, time.UTC),
		},
		{
			ID:         "a1b2c3d4-0000-4000-8000-000000000003",
			ActorID:    "user-7",
			Action:     "break_glass",
			TargetType: "Encounter",
			TargetID:   "enc-1",
			Timestamp:  time.Date(2024, 3, 1, 6, 0, 0, 500_000_000, est),
			Metadata: &Metadata{
				Reason:     "emergency <ER>",
				BreakGlass: true,
				Extra:      map[string]string{"z": "1", "a": "2"},
			},
		},
	}
}

func TestCanonical_Golden(t *testing.T) {
	canonical, err := Canonical(batch())
	if err != nil {
		t.Fatalf("Canonical() error: %v", err)
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "canonical_batch", []byte(canonical))
}

func TestCompute_KnownVectors(t *testing.T) {
	tests := []struct {
		name    string
		records []Record
		want    string
	}{
		{
			name:    "empty input hashes the literal empty",
			records: nil,
			want:    "2e1cfa82b035c26cbbbdae632cea070514eb8b773f616aaeaf668e2f0be8f10d",
		},
		{
			name: "single record with nulls",
			records: []Record{{
				ID:        "r1",
				Action:    "login",
				Timestamp: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
			}},
			want: "b423eee98b3ba67d01836516386c830c36ca0da69a46b9f1a3d1301ecc60a5c8",
		},
		{
			name:    "three record batch",
			records: batch(),
			want:    "1e5b3befc9cfd69cf383357511f85e68eb49a9085475c9032a800bc741584dfe",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Compute(tt.records)
			if err != nil {
				t.Fatalf("Compute() error: %v", err)
			}
			if got != tt.want {
				t.Errorf("Compute() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestCompute_Deterministic(t *testing.T) {
	first, err := Compute(batch())
	if err != nil {
		t.Fatalf("Compute() error: %v", err)
	}
	for i := 0; i < 20; i++ {
		again, err := Compute(batch())
		if err != nil {
			t.Fatalf("Compute() error: %v", err)
		}
		if again != first {
			t.Fatalf("run %d: expected %s, got %s", i, first, again)
		}
	}
}

func TestCompute_OrderSensitive(t *testing.T) {
	records := batch()
	forward, _ := Compute(records)

	reversed := []Record{records[2], records[1], records[0]}
	backward, _ := Compute(reversed)

	if forward == backward {
		t.Error("expected a different hash for a permuted batch")
	}
}

func TestCompute_EmptyMetadataEqualsNil(t *testing.T) {
	withNil := []Record{{ID: "x", Action: "a", Timestamp: time.Unix(0, 0)}}
	withEmpty := []Record{{ID: "x", Action: "a", Timestamp: time.Unix(0, 0), Metadata: &Metadata{}}}

	a, _ := Compute(withNil)
	b, _ := Compute(withEmpty)
	if a != b {
		t.Errorf("expected nil and empty metadata to hash equally: %s vs %s", a, b)
	}
}

func TestCompute_FieldChangeChangesHash(t *testing.T) {
	base, _ := Compute(batch())

	mutated := batch()
	mutated[1].Metadata = &Metadata{Outcome: "denied"}
	changed, _ := Compute(mutated)

	if base == changed {
		t.Error("expected metadata change to change the hash")
	}
}

func TestLine_NullPlaceholders(t *testing.T) {
	line, err := Line(Record{ID: "id-1", Action: "delete", Timestamp: time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)})
	if err != nil {
		t.Fatalf("Line() error: %v", err)
	}
	want := "id-1|null|delete|null|null|2024-05-06T07:08:09.000Z|{}"
	if line != want {
		t.Errorf("Line() = %q, want %q", line, want)
	}
}
