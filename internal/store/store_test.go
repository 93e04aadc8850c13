package store

var _ Store = (*SQLiteStore)(nil)
