package engine

import (
	"errors"
	"fmt"
)

// Sentinels matched by the typed errors below through errors.Is.
var (
	ErrManifest              = errors.New("manifest error")
	ErrManifestDiscovery     = errors.New("manifest discovery error")
	ErrAmbiguousResource     = errors.New("ambiguous resource")
	ErrLocalFileMissing      = errors.New("local file missing")
	ErrTransfer              = errors.New("transfer failed")
	ErrVerification          = errors.New("verification failed")
	ErrMetadataFieldNotFound = errors.New("metadata field not found")
	ErrRemoteUnavailable     = errors.New("remote unavailable")
)

// ManifestError reports invalid manifest content. Group is empty when the
// whole manifest is rejected.
type ManifestError struct {
	Path   string
	Group  string
	Reason string
	Err    error
}

func (e *ManifestError) Error() string {
	msg := "manifest " + e.Path
	if e.Group != "" {
		msg += fmt.Sprintf(" (group %q)", e.Group)
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ManifestError) Unwrap() error        { return e.Err }
func (e *ManifestError) Is(target error) bool { return target == ErrManifest }

// ManifestDiscoveryError reports a directory without exactly one manifest.
type ManifestDiscoveryError struct {
	Dir   string
	Found []string
}

func (e *ManifestDiscoveryError) Error() string {
	if len(e.Found) == 0 {
		return fmt.Sprintf("no manifest found in %s", e.Dir)
	}
	return fmt.Sprintf("%d manifests found in %s, expected exactly one: %v", len(e.Found), e.Dir, e.Found)
}

func (e *ManifestDiscoveryError) Is(target error) bool { return target == ErrManifestDiscovery }

// AmbiguousResourceError reports more than one sub-collection for a key.
type AmbiguousResourceError struct {
	Group string
	Key   string
	Err   error
}

func (e *AmbiguousResourceError) Error() string {
	return fmt.Sprintf("more than one document set found for %s in %q: %v", e.Key, e.Group, e.Err)
}

func (e *AmbiguousResourceError) Unwrap() error        { return e.Err }
func (e *AmbiguousResourceError) Is(target error) bool { return target == ErrAmbiguousResource }

// LocalFileMissingError reports a manifest entry with no file on disk.
type LocalFileMissingError struct {
	Path string
	Err  error
}

func (e *LocalFileMissingError) Error() string {
	return fmt.Sprintf("local file missing: %s", e.Path)
}

func (e *LocalFileMissingError) Unwrap() error        { return e.Err }
func (e *LocalFileMissingError) Is(target error) bool { return target == ErrLocalFileMissing }

// TransferError wraps a failed upload.
type TransferError struct {
	Path    string
	Chunked bool
	Err     error
}

func (e *TransferError) Error() string {
	mode := "atomic"
	if e.Chunked {
		mode = "chunked"
	}
	return fmt.Sprintf("%s upload of %s failed: %v", mode, e.Path, e.Err)
}

func (e *TransferError) Unwrap() error        { return e.Err }
func (e *TransferError) Is(target error) bool { return target == ErrTransfer }

// VerificationError reports a remote length that differs from the local
// size. Its message is the ledger status description.
type VerificationError struct {
	Path   string
	Remote int64
	Local  int64
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("Incomplete file upload: %d/%d", e.Remote, e.Local)
}

func (e *VerificationError) Is(target error) bool { return target == ErrVerification }

// MetadataFieldNotFoundError reports a collection schema with none of the
// accepted field names.
type MetadataFieldNotFoundError struct {
	Group      string
	Candidates []string
}

func (e *MetadataFieldNotFoundError) Error() string {
	return "Unable to detect date field"
}

func (e *MetadataFieldNotFoundError) Is(target error) bool { return target == ErrMetadataFieldNotFound }

// RemoteUnavailableError reports a group whose collection could not be
// reached or does not exist.
type RemoteUnavailableError struct {
	Group string
	Err   error
}

func (e *RemoteUnavailableError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("collection %q does not exist", e.Group)
	}
	return fmt.Sprintf("collection %q unavailable: %v", e.Group, e.Err)
}

func (e *RemoteUnavailableError) Unwrap() error        { return e.Err }
func (e *RemoteUnavailableError) Is(target error) bool { return target == ErrRemoteUnavailable }
