package models

import (
	"reflect"
	"strings"
	"testing"
	"time"
)

// gormTag extracts the gorm tag from a struct field.
func gormTag(t *testing.T, typ reflect.Type, fieldName string) string {
	t.Helper()
	f, ok := typ.FieldByName(fieldName)
	if !ok {
		t.Fatalf("%s.%s: field not found", typ.Name(), fieldName)
	}
	return f.Tag.Get("gorm")
}

// assertGormTag checks that a struct field's gorm tag contains the expected value.
func assertGormTag(t *testing.T, typ reflect.Type, fieldName, expected string) {
	t.Helper()
	tag := gormTag(t, typ, fieldName)
	if !strings.Contains(tag, expected) {
		t.Errorf("%s.%s gorm tag = %q, want to contain %q", typ.Name(), fieldName, tag, expected)
	}
}

// assertFieldType checks that a struct field has the expected Go type.
func assertFieldType(t *testing.T, typ reflect.Type, fieldName, expectedType string) {
	t.Helper()
	f, ok := typ.FieldByName(fieldName)
	if !ok {
		t.Fatalf("%s.%s: field not found", typ.Name(), fieldName)
	}
	got := f.Type.String()
	if got != expectedType {
		t.Errorf("%s.%s type = %q, want %q", typ.Name(), fieldName, got, expectedType)
	}
}

func TestDevice_Fields(t *testing.T) {
	typ := reflect.TypeOf(Device{})

	assertGormTag(t, typ, "ID", "primaryKey")
	assertGormTag(t, typ, "ID", "size:32")
	assertGormTag(t, typ, "Token", "uniqueIndex")
	assertGormTag(t, typ, "Token", "not null")
	assertGormTag(t, typ, "IsOnline", "index")
	assertGormTag(t, typ, "IsActive", "default:true")
	assertGormTag(t, typ, "WarmupStage", "default:1")
	assertGormTag(t, typ, "LastSeen", "index")

	assertFieldType(t, typ, "BatteryLevel", "*int")
	assertFieldType(t, typ, "LastSeen", "*time.Time")
	assertFieldType(t, typ, "TotalSent", "int64")
	assertFieldType(t, typ, "TotalFailed", "int64")
}

func TestDeviceCommand_Fields(t *testing.T) {
	typ := reflect.TypeOf(DeviceCommand{})

	assertGormTag(t, typ, "ID", "autoIncrement")
	assertGormTag(t, typ, "DeviceID", "idx_device_status")
	assertGormTag(t, typ, "Status", "idx_device_status")
	assertGormTag(t, typ, "Status", "default:PENDING")
	assertGormTag(t, typ, "Payload", "type:json")

	assertFieldType(t, typ, "Payload", "datatypes.JSON")
	assertFieldType(t, typ, "SentAt", "*time.Time")
	assertFieldType(t, typ, "AcknowledgedAt", "*time.Time")
	assertFieldType(t, typ, "CompletedAt", "*time.Time")
}

func TestDeviceLog_Fields(t *testing.T) {
	typ := reflect.TypeOf(DeviceLog{})

	assertGormTag(t, typ, "DeviceID", "idx_log_device_created")
	assertGormTag(t, typ, "CreatedAt", "idx_log_device_created")
	assertGormTag(t, typ, "Status", "default:QUEUED")
	assertGormTag(t, typ, "CampaignID", "index")

	assertFieldType(t, typ, "CampaignID", "*string")
	assertFieldType(t, typ, "TimeGapMs", "*int64")
	assertFieldType(t, typ, "DeliveryTimeMs", "*int64")
	assertFieldType(t, typ, "SentAt", "*time.Time")
	assertFieldType(t, typ, "DeliveredAt", "*time.Time")
}

func TestCampaignSchedule_Fields(t *testing.T) {
	typ := reflect.TypeOf(CampaignSchedule{})

	assertGormTag(t, typ, "CampaignID", "uniqueIndex")
	assertGormTag(t, typ, "Plan", "type:json")
	assertFieldType(t, typ, "StartDate", "time.Time")
}

func TestDevice_RemainingCapacity(t *testing.T) {
	tests := []struct {
		name  string
		limit int
		sent  int
		want  int
	}{
		{"fresh", 40, 0, 40},
		{"partial", 40, 15, 25},
		{"exhausted", 40, 40, 0},
		{"over allocated", 40, 47, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Device{DailyLimit: tt.limit, MessagesSentToday: tt.sent}
			if got := d.RemainingCapacity(); got != tt.want {
				t.Errorf("RemainingCapacity() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestDevice_Utilization(t *testing.T) {
	d := Device{DailyLimit: 50, MessagesSentToday: 10}
	if got := d.Utilization(); got != 0.2 {
		t.Errorf("Utilization() = %v, want 0.2", got)
	}

	zero := Device{}
	if got := zero.Utilization(); got != 1 {
		t.Errorf("zero-limit Utilization() = %v, want 1", got)
	}
}

func TestDeviceLog_Instantiation(t *testing.T) {
	campaign := "camp-1"
	now := time.Now()
	gap := int64(1500)
	l := DeviceLog{
		DeviceID:        "dev-0001",
		CampaignID:      &campaign,
		RecipientNumber: "+15550001",
		Status:          LogSent,
		SentAt:          &now,
		TimeGapMs:       &gap,
	}
	if *l.CampaignID != "camp-1" {
		t.Errorf("CampaignID = %q, want %q", *l.CampaignID, "camp-1")
	}
	if *l.TimeGapMs != 1500 {
		t.Errorf("TimeGapMs = %d, want 1500", *l.TimeGapMs)
	}
}
