package models

// All lists every persisted model. Tests use it to build SQLite schemas that
// mirror the goose migrations.
func All() []any {
	return []any{
		&CreditAccount{},
		&CreditTransaction{},
		&GenerationJob{},
		&ActiveJob{},
		&GalleryItem{},
		&Payment{},
		&OutboxEvent{},
		&OutboxDLQ{},
	}
}
