package sqlite

import "database/sql"

// nullString converts an empty string to a SQL NULL.
func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// nullInt converts a zero int to a SQL NULL.
func nullInt(n int) interface{} {
	if n == 0 {
		return nil
	}
	return n
}

// nullEpoch converts a zero epoch to a SQL NULL.
func nullEpoch(n int64) interface{} {
	if n == 0 {
		return nil
	}
	return n
}

// epochOrZero unwraps a nullable epoch column.
func epochOrZero(v sql.NullInt64) int64 {
	if v.Valid {
		return v.Int64
	}
	return 0
}
