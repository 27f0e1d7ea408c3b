package db

import (
	"testing"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func TestMigrateSQLiteCreatesPoolTables(t *testing.T) {
	conn, errOpen := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if errOpen != nil {
		t.Fatalf("open sqlite: %v", errOpen)
	}

	if errMigrate := Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}

	for _, table := range []string{
		"participants",
		"survey_links",
		"invitations",
		"gift_card_pool_cards",
		"gift_cards",
		"distribution_logs",
		"sms_event_logs",
		"enrollment_configs",
		"admins",
	} {
		if !conn.Migrator().HasTable(table) {
			t.Fatalf("missing table %s", table)
		}
	}
}

func TestMigrateSQLiteClaimColumns(t *testing.T) {
	conn, errOpen := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if errOpen != nil {
		t.Fatalf("open sqlite: %v", errOpen)
	}

	if errMigrate := Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}

	for _, column := range []string{"status", "batch_label", "uploaded_at", "assigned_at", "assigned_invitation_id"} {
		if !conn.Migrator().HasColumn("survey_links", column) {
			t.Fatalf("survey_links missing column %s", column)
		}
	}
	for _, column := range []string{"status", "batch_label", "uploaded_at", "assigned_at", "assigned_gift_card_id"} {
		if !conn.Migrator().HasColumn("gift_card_pool_cards", column) {
			t.Fatalf("gift_card_pool_cards missing column %s", column)
		}
	}
	if !conn.Migrator().HasColumn("invitations", "active_key") {
		t.Fatalf("invitations missing column active_key")
	}
}
