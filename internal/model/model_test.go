package model

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordDedupKey(t *testing.T) {
	ts := time.Date(2026, 3, 14, 23, 59, 0, 0, time.UTC)
	rec := NewRecord("A", "557", "Lian", ts)
	key := rec.DedupKey()

	assert.Equal(t, DedupKey{SubjectID: "557", SubjectName: "Lian", Date: "2026-03-14"}, key)
	assert.Equal(t, "557|Lian|2026-03-14", key.String())

	later := NewRecord("A", "557", "Lian", ts.Add(2*time.Minute))
	assert.NotEqual(t, key, later.DedupKey(), "Next calendar day yields a new key")
	assert.NotEqual(t, rec.ID, later.ID, "Every record gets its own id")
}

func TestParseDedupKey(t *testing.T) {
	testCases := []DedupKey{
		{SubjectID: "", SubjectName: "Ana|Maria", Date: "2026-01-02"},
		{SubjectID: "A|7", SubjectName: "Bo", Date: "2026-01-02"},
		{SubjectID: `C:\tmp|`, SubjectName: `|\|`, Date: "2026-01-02"},
	}
	seen := map[string]DedupKey{}
	for _, key := range testCases {
		parsed, err := ParseDedupKey(key.String())
		require.NoError(t, err)
		assert.Equal(t, key, parsed)
		if prev, ok := seen[key.String()]; ok {
			t.Fatalf("%v and %v render the same", prev, key)
		}
		seen[key.String()] = key
	}

	for _, bad := range []string{"nope", "a|b", "a|b|c|d"} {
		_, err := ParseDedupKey(bad)
		assert.Error(t, err, bad)
	}
}

func TestRecordValidate(t *testing.T) {
	now := time.Now()
	assert.NoError(t, NewRecord("A", "", "Lian", now).Validate(), "Subject id may be empty")
	assert.Error(t, NewRecord("A", " ", "", now).Validate())
	assert.Error(t, NewRecord("A", "1", "x", time.Time{}).Validate())
	assert.Error(t, Record{SubjectID: "1", Timestamp: now}.Validate())
}

func TestRoleMapping(t *testing.T) {
	assert.True(t, RoleEntry.Valid())
	assert.False(t, Role("printer").Valid())
	assert.True(t, RoleAdmin.Observer())
	assert.Equal(t, OpCreateRegistration, RoleEntry.RecordOperation())
	assert.Equal(t, OpCreateValidation, RoleExit.RecordOperation())
	assert.Equal(t, "validations", RoleExit.Namespace())
}

func TestQueueItem(t *testing.T) {
	now := time.Now()
	item := NewQueueItem(OpCreateRegistration, NewRecord("A", "1", "x", now), "A", 3, now)
	_, ok := item.DedupKey()
	assert.True(t, ok)
	assert.False(t, item.Exhausted())
	item.RetryCount = 3
	assert.True(t, item.Exhausted())

	student := NewStudentItem(Student{ID: "1", Name: "x"}, "A", 3, now)
	_, ok = student.DedupKey()
	assert.False(t, ok, "Student items are not deduplicated")
}

func TestErrorTaxonomy(t *testing.T) {
	base := errors.New("boom")
	wrapped := fmt.Errorf("failed to deliver: %w", TransportError("send", base))

	assert.True(t, IsTransport(wrapped))
	assert.False(t, IsRejected(wrapped))
	assert.ErrorIs(t, wrapped, base)
	assert.True(t, IsPersistence(PersistenceFailure("append", base)))
	assert.True(t, IsRejected(DeliveryRejected("ack", base)))
	assert.True(t, IsRetryExhausted(RetryExhausted("item", nil)))
	assert.Equal(t, "RETRY_EXHAUSTED: item", RetryExhausted("item", nil).Error())
}

func TestStudentClone(t *testing.T) {
	s := Student{ID: "1", Name: "Lian", Attributes: map[string]string{"grade": "5"}}
	c := s.Clone()
	c.Attributes["grade"] = "6"
	assert.Equal(t, "5", s.Attributes["grade"])
	assert.Error(t, Student{ID: "1"}.Validate())
}
