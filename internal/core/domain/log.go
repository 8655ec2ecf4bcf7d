package domain

import "time"

type LogStream string

const (
	StreamStdout LogStream = "stdout"
	StreamStderr LogStream = "stderr"
	StreamSystem LogStream = "system"
)

// LogLine is one captured output line. Seq starts at 1 per job and is
// assigned by the log relay in write order.
type LogLine struct {
	JobID  string    `json:"job_id" gorm:"primaryKey;type:varchar(36)"`
	Seq    int64     `json:"seq" gorm:"primaryKey;autoIncrement:false"`
	Time   time.Time `json:"time"`
	Stream LogStream `json:"stream" gorm:"type:varchar(8)"`
	Text   string    `json:"text"`
}

func (LogLine) TableName() string {
	return "job_logs"
}
