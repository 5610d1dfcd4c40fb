package db

import (
	"context"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var reverseCols = []string{"company_id", "incentive_id", "rank", "score"}

func TestReplaceTable_Success(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`TRUNCATE "reverse_index"`).WillReturnResult(pgxmock.NewResult("TRUNCATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"reverse_index"}, reverseCols).WillReturnResult(2)
	mock.ExpectCommit()

	rows := [][]any{{"c1", "i1", 1, 0.9}, {"c1", "i2", 2, 0.7}}
	n, err := ReplaceTable(context.Background(), mock, "reverse_index", reverseCols, rows)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReplaceTable_EmptyRowsStillTruncates(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`TRUNCATE "reverse_index"`).WillReturnResult(pgxmock.NewResult("TRUNCATE", 0))
	mock.ExpectCommit()

	n, err := ReplaceTable(context.Background(), mock, "reverse_index", reverseCols, nil)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReplaceTable_CopyErrorRollsBack(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`TRUNCATE "reverse_index"`).WillReturnResult(pgxmock.NewResult("TRUNCATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"reverse_index"}, reverseCols).WillReturnError(fmt.Errorf("copy failed"))
	mock.ExpectRollback()

	_, err = ReplaceTable(context.Background(), mock, "reverse_index", reverseCols, [][]any{{"c1", "i1", 1, 0.5}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "COPY INTO reverse_index")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReplaceTable_NoColumns(t *testing.T) {
	_, err := ReplaceTable(context.Background(), nil, "reverse_index", nil, nil)
	assert.Error(t, err)
}
