package domain

import "testing"

func TestJobStatusIsTerminal(t *testing.T) {
	tests := []struct {
		status JobStatus
		want   bool
	}{
		{JobStatusQueued, false},
		{JobStatusRunning, false},
		{JobStatusCompleted, true},
		{JobStatusFailed, true},
		{JobStatusCancelled, true},
	}

	for _, tt := range tests {
		if got := tt.status.IsTerminal(); got != tt.want {
			t.Fatalf("%s.IsTerminal() = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestJobTypeIsValid(t *testing.T) {
	tests := []struct {
		jobType JobType
		want    bool
	}{
		{JobTypeRun, true},
		{JobTypeBacktest, true},
		{JobTypePreview, true},
		{JobType("Unknown"), false},
		{JobType(""), false},
	}

	for _, tt := range tests {
		if got := tt.jobType.IsValid(); got != tt.want {
			t.Fatalf("JobType(%q).IsValid() = %v, want %v", tt.jobType, got, tt.want)
		}
	}
}

func TestDataTypeIsValid(t *testing.T) {
	valid := []DataType{
		DataTypeString, DataTypeInt64, DataTypeFloat64, DataTypeBoolean,
		DataTypeDate, DataTypeTimestamp, DataTypeBinary, DataTypeDecimal,
	}
	for _, d := range valid {
		if !d.IsValid() {
			t.Fatalf("expected %s to be valid", d)
		}
	}
	if DataType("Array").IsValid() {
		t.Fatal("expected unknown data type to be invalid")
	}
}

func TestApprovalStatusIsTerminal(t *testing.T) {
	tests := []struct {
		status ApprovalStatus
		want   bool
	}{
		{ApprovalPending, false},
		{ApprovalApproved, true},
		{ApprovalRejected, true},
		{ApprovalExpired, true},
	}
	for _, tt := range tests {
		if got := tt.status.IsTerminal(); got != tt.want {
			t.Fatalf("%s.IsTerminal() = %v, want %v", tt.status, got, tt.want)
		}
	}
}
