package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitRecords(t *testing.T) {
	recs, err := splitRecords([]byte(`[{"border_id":1},{"border_id":2}]`))
	require.NoError(t, err)
	assert.Len(t, recs, 2)

	recs, err = splitRecords([]byte(`{"border_id":1}`))
	require.NoError(t, err)
	assert.Len(t, recs, 1)

	_, err = splitRecords([]byte(`not json`))
	assert.Error(t, err)
}
