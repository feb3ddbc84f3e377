package threading

import (
	"fmt"
	"math/rand"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func at(sec int64) time.Time {
	return time.Unix(sec, 0).UTC()
}

func conversation() []Threadable {
	return []Threadable{
		{LocalID: "A", MessageID: "<a@x>", Subject: "Plans", Date: at(1000)},
		{LocalID: "B", MessageID: "<b@x>", InReplyTo: []string{"a@x"}, Subject: "Re: Plans", Date: at(2000)},
		{LocalID: "C", MessageID: "<c@x>", InReplyTo: []string{"b@x"}, References: []string{"a@x", "b@x"}, Subject: "Re: Plans", Date: at(3000)},
	}
}

// groupSets reduces groups to comparable sorted id lists keyed by thread id.
func groupSets(groups []ThreadGroup) map[string][]string {
	out := make(map[string][]string, len(groups))
	for _, g := range groups {
		ids := append([]string(nil), g.MessageIDs...)
		sort.Strings(ids)
		out[g.ThreadID] = ids
	}
	return out
}

func TestBuild(t *testing.T) {
	t.Run("groups a reply chain delivered out of order", func(t *testing.T) {
		msgs := conversation()
		groups := Build([]Threadable{msgs[2], msgs[0], msgs[1]})

		require.Len(t, groups, 1)
		assert.Equal(t, []string{"A", "B", "C"}, groups[0].MessageIDs)
		assert.Equal(t, "a@x", groups[0].RootID)
		assert.Equal(t, ThreadID("a@x"), groups[0].ThreadID)
	})

	t.Run("empty input yields no groups", func(t *testing.T) {
		assert.Empty(t, Build(nil))
	})

	t.Run("tail message alone gets the same thread id", func(t *testing.T) {
		msgs := conversation()
		full := Build(msgs)
		tail := Build(msgs[2:])

		require.Len(t, full, 1)
		require.Len(t, tail, 1)
		assert.Equal(t, full[0].ThreadID, tail[0].ThreadID)
		assert.Equal(t, []string{"C"}, tail[0].MessageIDs)
	})

	t.Run("deep chains stay delta safe", func(t *testing.T) {
		var msgs []Threadable
		var refs []string
		for i := 0; i < 25; i++ {
			id := fmt.Sprintf("m%d@x", i)
			m := Threadable{
				LocalID:    fmt.Sprintf("L%02d", i),
				MessageID:  "<" + id + ">",
				References: append([]string(nil), refs...),
				Date:       at(int64(1000 + i)),
			}
			msgs = append(msgs, m)
			refs = append(refs, id)
		}

		full := Build(msgs)
		require.Len(t, full, 1)
		for depth := 1; depth < len(msgs); depth++ {
			tail := Build(msgs[depth:])
			require.Len(t, tail, 1, "depth %d", depth)
			assert.Equal(t, full[0].ThreadID, tail[0].ThreadID, "depth %d", depth)
		}
	})

	t.Run("messages sharing an unseen parent share a group", func(t *testing.T) {
		groups := Build([]Threadable{
			{LocalID: "1", MessageID: "<r1@x>", InReplyTo: []string{"missing@x"}, Date: at(10)},
			{LocalID: "2", MessageID: "<r2@x>", InReplyTo: []string{"missing@x"}, Date: at(20)},
		})

		require.Len(t, groups, 1)
		assert.Equal(t, "missing@x", groups[0].RootID)
		assert.Equal(t, ThreadID("missing@x"), groups[0].ThreadID)
		assert.Equal(t, []string{"1", "2"}, groups[0].MessageIDs)
	})

	t.Run("equal subjects merge without references", func(t *testing.T) {
		groups := Build([]Threadable{
			{LocalID: "1", MessageID: "<p@x>", Subject: "Lunch?", Date: at(100)},
			{LocalID: "2", MessageID: "<q@x>", Subject: "RE: lunch?", Date: at(50)},
		})

		require.Len(t, groups, 1)
		assert.Equal(t, []string{"2", "1"}, groups[0].MessageIDs)
		assert.Equal(t, "q@x", groups[0].RootID, "older message becomes the parent")
	})

	t.Run("different subjects stay separate", func(t *testing.T) {
		groups := Build([]Threadable{
			{LocalID: "1", MessageID: "<p@x>", Subject: "Lunch?", Date: at(100)},
			{LocalID: "2", MessageID: "<q@x>", Subject: "Dinner?", Date: at(50)},
		})

		require.Len(t, groups, 2)
		assert.Equal(t, []string{"2"}, groups[0].MessageIDs)
		assert.Equal(t, []string{"1"}, groups[1].MessageIDs)
	})

	t.Run("phantom root survives a subject merge", func(t *testing.T) {
		groups := Build([]Threadable{
			{LocalID: "1", MessageID: "<reply@x>", InReplyTo: []string{"gone@x"}, Subject: "Re: Update", Date: at(300)},
			{LocalID: "2", MessageID: "<other@x>", Subject: "Update", Date: at(100)},
		})

		require.Len(t, groups, 1)
		assert.Equal(t, "gone@x", groups[0].RootID)
		assert.Equal(t, []string{"2", "1"}, groups[0].MessageIDs)
	})

	t.Run("empty subjects never merge", func(t *testing.T) {
		groups := Build([]Threadable{
			{LocalID: "1", MessageID: "<p@x>", Subject: "Re:", Date: at(1)},
			{LocalID: "2", MessageID: "<q@x>", Subject: "", Date: at(2)},
		})
		assert.Len(t, groups, 2)
	})

	t.Run("missing message id uses a synthetic root", func(t *testing.T) {
		groups := Build([]Threadable{{LocalID: "orphan", Subject: "hi", Date: at(1)}})

		require.Len(t, groups, 1)
		assert.Equal(t, SyntheticMessageID("orphan"), groups[0].RootID)
	})

	t.Run("duplicate message ids land in one group", func(t *testing.T) {
		groups := Build([]Threadable{
			{LocalID: "inbox-copy", MessageID: "<same@x>", Date: at(5)},
			{LocalID: "sent-copy", MessageID: "<same@x>", Date: at(5)},
		})

		require.Len(t, groups, 1)
		assert.Equal(t, "same@x", groups[0].RootID)
		assert.Equal(t, []string{"inbox-copy", "sent-copy"}, groups[0].MessageIDs)
	})

	t.Run("reference cycles are ignored", func(t *testing.T) {
		groups := Build([]Threadable{
			{LocalID: "1", MessageID: "<a@x>", References: []string{"b@x"}, Date: at(1)},
			{LocalID: "2", MessageID: "<b@x>", References: []string{"a@x"}, Date: at(2)},
		})

		require.Len(t, groups, 1)
		assert.ElementsMatch(t, []string{"1", "2"}, groups[0].MessageIDs)
	})

	t.Run("self reference does not orphan the message", func(t *testing.T) {
		groups := Build([]Threadable{
			{LocalID: "1", MessageID: "<a@x>", InReplyTo: []string{"a@x"}, Date: at(1)},
		})
		require.Len(t, groups, 1)
		assert.Equal(t, []string{"1"}, groups[0].MessageIDs)
	})
}

func TestBuildIsOrderIndependent(t *testing.T) {
	msgs := append(conversation(),
		Threadable{LocalID: "D", MessageID: "<d@x>", Subject: "Other topic", Date: at(1500)},
		Threadable{LocalID: "E", MessageID: "<e@x>", InReplyTo: []string{"d@x"}, Subject: "Re: Other topic", Date: at(2500)},
		Threadable{LocalID: "F", MessageID: "<f@x>", InReplyTo: []string{"zz@x"}, Subject: "Plans", Date: at(900)},
		Threadable{LocalID: "G", MessageID: "<g@x>", Subject: "Standalone", Date: at(2500)},
	)
	expected := Build(msgs)

	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 50; i++ {
		shuffled := append([]Threadable(nil), msgs...)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })

		got := Build(shuffled)
		assert.Equal(t, expected, got, "shuffle %d", i)
	}
	assert.Len(t, groupSets(expected), 3)
}

func TestThreadID(t *testing.T) {
	id := ThreadID("a@x")
	assert.Len(t, id, 25)
	assert.Equal(t, id, ThreadID("a@x"))
	assert.NotEqual(t, id, ThreadID("b@x"))
}
