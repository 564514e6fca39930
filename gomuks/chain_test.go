package gomuks

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/id"
)

// --- resolution order independence ---

func TestResolve_AllDeliveryOrders(t *testing.T) {
	// Both edits target the original id, as the protocol requires. The
	// latest edit by timestamp must win regardless of delivery order.
	build := func() []*WireEvent {
		return []*WireEvent{
			msgEvent("$orig", 1000, 10, "first draft"),
			editEvent("$edit1", "$orig", 2000, "second draft"),
			editEvent("$edit2", "$orig", 3000, "final draft"),
		}
	}

	permutations := [][3]int{
		{0, 1, 2}, {0, 2, 1},
		{1, 0, 2}, {1, 2, 0},
		{2, 0, 1}, {2, 1, 0},
	}

	for _, perm := range permutations {
		name := fmt.Sprintf("order_%d%d%d", perm[0], perm[1], perm[2])

		t.Run(name, func(t *testing.T) {
			r := NewEditChainResolver(quietLogger())
			events := build()

			ingestAll(r, events[perm[0]], events[perm[1]], events[perm[2]])

			res := r.Resolve("$orig")
			require.NotNil(t, res.Event)
			assert.Equal(t, Resolved, res.Status)
			assert.Equal(t, id.EventID("$edit2"), res.Event.ID)
			assert.Equal(t, "final draft", body(res.Event))
			assert.False(t, res.Redacted)
		})
	}
}

func TestResolve_NoEdits(t *testing.T) {
	r := NewEditChainResolver(quietLogger())
	r.IngestMessage(msgEvent("$orig", 1000, 10, "hello"))

	res := r.Resolve("$orig")
	require.NotNil(t, res.Event)
	assert.Equal(t, id.EventID("$orig"), res.Event.ID)
}

func TestResolve_UnknownID(t *testing.T) {
	r := NewEditChainResolver(quietLogger())

	res := r.Resolve("$nope")
	assert.Nil(t, res.Event)
	assert.Equal(t, ResolveMissing, res.Status)
}

func TestResolve_EqualTimestampsKeepArrivalOrder(t *testing.T) {
	r := NewEditChainResolver(quietLogger())

	ingestAll(r,
		msgEvent("$orig", 1000, 10, "v0"),
		editEvent("$edit1", "$orig", 2000, "v1"),
		editEvent("$edit2", "$orig", 2000, "v2"),
	)

	res := r.Resolve("$orig")
	require.NotNil(t, res.Event)
	assert.Equal(t, id.EventID("$edit2"), res.Event.ID, "later arrival wins a timestamp tie")
}

func TestIngestEdit_BeforeOriginal(t *testing.T) {
	r := NewEditChainResolver(quietLogger())

	r.IngestEdit(editEvent("$edit1", "$orig", 2000, "edited"))

	// Before the original lands, the chain resolves to the edit via the
	// placeholder.
	res := r.Resolve("$orig")
	require.NotNil(t, res.Event)
	assert.Equal(t, id.EventID("$edit1"), res.Event.ID)

	r.IngestMessage(msgEvent("$orig", 1000, 10, "original"))

	res = r.Resolve("$orig")
	require.NotNil(t, res.Event)
	assert.Equal(t, id.EventID("$edit1"), res.Event.ID, "edit chain survives placeholder fill-in")
}

func TestIngestEdit_DuplicateIsNoop(t *testing.T) {
	r := NewEditChainResolver(quietLogger())

	r.IngestMessage(msgEvent("$orig", 1000, 10, "v0"))
	edit := editEvent("$edit1", "$orig", 2000, "v1")
	r.IngestEdit(edit)
	r.IngestEdit(edit)

	vm := r.Versioned("$orig")
	require.NotNil(t, vm)
	assert.Len(t, vm.Versions, 2, "original plus one edit")
}

// --- redaction dominance ---

func TestRedaction_WinsOverEdits(t *testing.T) {
	r := NewEditChainResolver(quietLogger())

	ingestAll(r,
		msgEvent("$orig", 1000, 10, "v0"),
		editEvent("$edit1", "$orig", 2000, "v1"),
		redactionEvent("$red", "$orig", 1500),
	)

	res := r.Resolve("$orig")
	assert.True(t, res.Redacted)
	require.NotNil(t, res.RedactionEvent)
	assert.Equal(t, id.EventID("$red"), res.RedactionEvent.ID)
}

func TestRedaction_BeforeOriginalArrives(t *testing.T) {
	r := NewEditChainResolver(quietLogger())

	r.IngestRedaction(redactionEvent("$red", "$orig", 1500))
	r.IngestMessage(msgEvent("$orig", 1000, 10, "v0"))

	res := r.Resolve("$orig")
	assert.True(t, res.Redacted, "redacted even though the redaction arrived first")
	require.NotNil(t, res.Event)
	assert.Equal(t, id.EventID("$orig"), res.Event.ID)
}

func TestRedaction_AtAnyPointInEditStream(t *testing.T) {
	orders := [][]string{
		{"red", "orig", "edit"},
		{"orig", "red", "edit"},
		{"edit", "red", "orig"},
	}

	for _, order := range orders {
		t.Run(order[0]+"_"+order[1]+"_"+order[2], func(t *testing.T) {
			r := NewEditChainResolver(quietLogger())

			for _, step := range order {
				switch step {
				case "orig":
					r.IngestMessage(msgEvent("$orig", 1000, 10, "v0"))
				case "edit":
					r.IngestEdit(editEvent("$edit1", "$orig", 2000, "v1"))
				case "red":
					r.IngestRedaction(redactionEvent("$red", "$orig", 1500))
				}
			}

			assert.True(t, r.Resolve("$orig").Redacted)
		})
	}
}

// --- corruption bounds ---

func TestResolve_CycleTerminates(t *testing.T) {
	r := NewEditChainResolver(quietLogger())

	r.IngestMessage(msgEvent("$a", 1000, 10, "a"))
	r.IngestEdit(editEvent("$b", "$a", 2000, "b"))

	// Corrupt the chain into a cycle by hand. Must not happen by
	// construction, but resolution must still terminate.
	r.nodes["$b"].replacedBy = "$a"

	res := r.Resolve("$a")
	assert.Equal(t, ResolveTruncated, res.Status)
	require.NotNil(t, res.Event)
}

func TestResolve_HopCapTruncates(t *testing.T) {
	r := NewEditChainResolver(quietLogger())

	r.IngestMessage(msgEvent("$e0", 1000, 10, "v0"))

	for i := 1; i <= maxChainHops+5; i++ {
		r.IngestEdit(editEvent(fmt.Sprintf("$e%d", i), "$e0", 1000+int64(i), fmt.Sprintf("v%d", i)))
	}

	res := r.Resolve("$e0")
	assert.Equal(t, ResolveTruncated, res.Status)
	require.NotNil(t, res.Event)
}

// --- versioned aggregate ---

func TestVersioned_NewestFirst(t *testing.T) {
	r := NewEditChainResolver(quietLogger())

	ingestAll(r,
		msgEvent("$orig", 1000, 10, "v0"),
		editEvent("$edit1", "$orig", 2000, "v1"),
		editEvent("$edit2", "$orig", 3000, "v2"),
	)

	vm := r.Versioned("$orig")
	require.NotNil(t, vm)
	require.Len(t, vm.Versions, 3)
	assert.Equal(t, id.EventID("$edit2"), vm.Versions[0].EventID)
	assert.Equal(t, id.EventID("$edit1"), vm.Versions[1].EventID)
	assert.Equal(t, id.EventID("$orig"), vm.Versions[2].EventID)
	assert.True(t, vm.Versions[2].IsOriginal)
	assert.Empty(t, vm.RedactedBy)
}

func TestVersioned_CacheInvalidatedByNewEdit(t *testing.T) {
	r := NewEditChainResolver(quietLogger())

	r.IngestMessage(msgEvent("$orig", 1000, 10, "v0"))
	r.IngestEdit(editEvent("$edit1", "$orig", 2000, "v1"))

	first := r.Versioned("$orig")
	require.Len(t, first.Versions, 2)

	r.IngestEdit(editEvent("$edit2", "$orig", 3000, "v2"))

	second := r.Versioned("$orig")
	require.Len(t, second.Versions, 3)
	assert.Equal(t, id.EventID("$edit2"), second.Versions[0].EventID)
}

func TestWipe(t *testing.T) {
	r := NewEditChainResolver(quietLogger())

	r.IngestMessage(msgEvent("$orig", 1000, 10, "v0"))
	require.Equal(t, 1, r.Len())

	r.Wipe()
	assert.Equal(t, 0, r.Len())
	assert.Equal(t, ResolveMissing, r.Resolve("$orig").Status)
}
