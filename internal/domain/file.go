// Package domain contains core domain types for the Resume Rooster application.
package domain

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// FileType classifies an uploaded document.
type FileType string

const (
	FileTypeWorkExperience FileType = "work-experience"
	FileTypeJobDescription FileType = "job-description"
	FileTypeUnknown        FileType = "unknown"
)

const filenameMarker = "-rooster-"

var timestampPrefix = regexp.MustCompile(`^(\d+)-`)

// ParseFileType validates a user supplied file type.
func ParseFileType(s string) (FileType, error) {
	switch FileType(s) {
	case FileTypeWorkExperience, FileTypeJobDescription:
		return FileType(s), nil
	default:
		return "", fmt.Errorf("%w: invalid fileType %q, must be %q or %q",
			ErrValidation, s, FileTypeWorkExperience, FileTypeJobDescription)
	}
}

// MaxFiles returns the per-type upload cap.
func (t FileType) MaxFiles() int {
	switch t {
	case FileTypeWorkExperience:
		return 10
	case FileTypeJobDescription:
		return 1
	default:
		return 0
	}
}

// UploadedFile is a document stored with the hosted assistant.
// FileType and DisplayName are decoded from Filename.
type UploadedFile struct {
	FileID      string    `json:"fileId"`
	Filename    string    `json:"filename"`
	FileType    FileType  `json:"fileType"`
	DisplayName string    `json:"displayName"`
	CreatedAt   time.Time `json:"createdAt"`
	Bytes       int64     `json:"bytes,omitempty"`
}

// EncodeFilename builds the stored name for an upload:
// <unixMillis>-<type>-rooster-<originalName>.
func EncodeFilename(ts time.Time, fileType FileType, originalName string) string {
	return strconv.FormatInt(ts.UnixMilli(), 10) + "-" + string(fileType) + filenameMarker + originalName
}

// DecodeFilename recovers the file type and original name from a stored name.
// Names that do not follow the convention decode as FileTypeUnknown with the
// whole name as display name.
func DecodeFilename(filename string) (FileType, string) {
	m := timestampPrefix.FindStringSubmatch(filename)
	if m == nil {
		return FileTypeUnknown, filename
	}
	for _, t := range []FileType{FileTypeWorkExperience, FileTypeJobDescription} {
		prefix := m[1] + "-" + string(t) + filenameMarker
		if strings.HasPrefix(filename, prefix) {
			return t, strings.TrimPrefix(filename, prefix)
		}
	}
	return FileTypeUnknown, filename
}

// NewUploadedFile decodes the metadata of a stored file.
func NewUploadedFile(fileID, filename string, createdAt time.Time, size int64) UploadedFile {
	fileType, display := DecodeFilename(filename)
	return UploadedFile{
		FileID:      fileID,
		Filename:    filename,
		FileType:    fileType,
		DisplayName: display,
		CreatedAt:   createdAt,
		Bytes:       size,
	}
}

// DeleteAllResult reports the outcome of a global cleanup.
type DeleteAllResult struct {
	DeletedVectorStoreFiles int `json:"deletedVectorStoreFiles"`
	DeletedFiles            int `json:"deletedFiles"`
}
