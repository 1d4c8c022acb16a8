package models

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

// CV 简历主表。
// retention_*列是扁平化的保留策略状态；version_summaries是各版本
// 处理状态的冗余镜像，供列表页免join读取，真实状态以cv_versions为准。
type CV struct {
	CVID                       string         `gorm:"type:char(36);primaryKey"`
	ConsultantID               string         `gorm:"type:char(36);not null;index:idx_cvs_consultant_id"`
	Title                      string         `gorm:"type:varchar(255)"`
	VersionSummaries           datatypes.JSON `gorm:"type:json"`
	RetentionStatus            string         `gorm:"type:varchar(20);default:'active';index:idx_cvs_retention_status"`
	RetentionReason            string         `gorm:"type:varchar(100)"`
	RetentionFlaggedAt         *time.Time     `gorm:"type:datetime(6)"`
	RetentionPurgeScheduledFor *time.Time     `gorm:"type:datetime(6)"`
	RetentionPurgedAt          *time.Time     `gorm:"type:datetime(6)"`
	RetentionWarningSentAt     *time.Time     `gorm:"type:datetime(6)"`
	CreatedAt                  time.Time      `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6)"`
	UpdatedAt                  time.Time      `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6);autoUpdateTime"`
}

func (CV) TableName() string {
	return "cvs"
}

// CvVersion 简历文件版本表，每次上传产生一行。
// 病毒扫描和解析的状态机都落在这张表上。
type CvVersion struct {
	VersionID        string     `gorm:"type:char(36);primaryKey"`
	CVID             string     `gorm:"type:char(36);not null;index:idx_cv_versions_cv_id"`
	Checksum         string     `gorm:"type:char(64);not null;uniqueIndex:idx_cv_versions_checksum_unique"`
	ObjectKey        string     `gorm:"type:varchar(1024);not null"`
	Size             int64      `gorm:"not null"`
	ContentType      string     `gorm:"type:varchar(100)"`
	OriginalFilename string     `gorm:"type:varchar(255)"`
	VirusScanStatus  string     `gorm:"type:varchar(20);default:'pending';index:idx_cv_versions_scan_status"`
	VirusScanMessage string     `gorm:"type:text"`
	VirusQueuedAt    *time.Time `gorm:"type:datetime(6)"`
	VirusScannedAt   *time.Time `gorm:"type:datetime(6)"`
	ParseStatus      string     `gorm:"type:varchar(20);default:'pending';index:idx_cv_versions_parse_status"`
	ParseError       string     `gorm:"type:text"`
	ParserVersion    string     `gorm:"type:varchar(50)"`
	ParsedAt         *time.Time `gorm:"type:datetime(6)"`
	CreatedAt        time.Time  `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6)"`
	UpdatedAt        time.Time  `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6);autoUpdateTime"`

	CV *CV `gorm:"foreignKey:CVID;references:CVID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

func (CvVersion) TableName() string {
	return "cv_versions"
}

// CvEntity 从简历中抽取的结构化实体表。
// source区分解析器产出(parser)与人工录入(manual)，重新解析只替换前者。
type CvEntity struct {
	EntityID   uint64         `gorm:"primaryKey;autoIncrement"`
	CVID       string         `gorm:"type:char(36);not null;index:idx_cv_entities_cv_id"`
	VersionID  string         `gorm:"type:char(36);not null;index:idx_cv_entities_version_id"`
	EntityType string         `gorm:"type:varchar(50);not null;index:idx_cv_entities_entity_type"`
	Label      string         `gorm:"type:varchar(512);not null"`
	Confidence float64        `gorm:"type:double;not null"`
	Source     string         `gorm:"type:varchar(20);default:'parser';not null"`
	Metadata   datatypes.JSON `gorm:"type:json"`
	Embedding  datatypes.JSON `gorm:"type:json"`
	CreatedAt  time.Time      `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6)"`

	CV      *CV        `gorm:"foreignKey:CVID;references:CVID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
	Version *CvVersion `gorm:"foreignKey:VersionID;references:VersionID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

func (CvEntity) TableName() string {
	return "cv_entities"
}

// ConsultantConsent 顾问的数据处理同意记录。
// legal_hold_active为真时该顾问的所有简历冻结在当前保留状态。
type ConsultantConsent struct {
	ConsultantID    string     `gorm:"type:char(36);primaryKey"`
	Status          string     `gorm:"type:varchar(50)"`
	LegalHoldActive bool       `gorm:"default:false"`
	LegalHoldReason string     `gorm:"type:varchar(255)"`
	LegalHoldSetAt  *time.Time `gorm:"type:datetime(6)"`
	CreatedAt       time.Time  `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6)"`
	UpdatedAt       time.Time  `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6);autoUpdateTime"`
}

func (ConsultantConsent) TableName() string {
	return "consultant_consents"
}

// MapToJSON 将map转换为datatypes.JSON
func MapToJSON(m map[string]interface{}) (datatypes.JSON, error) {
	bytes, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return bytes, nil
}

// FloatsToJSON 将向量转换为datatypes.JSON
func FloatsToJSON(v []float64) (datatypes.JSON, error) {
	bytes, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return bytes, nil
}
