package engine

import (
	"strings"

	"github.com/BadgerOps/docmigrate/internal/config"
)

// ChunkThreshold is the largest file uploaded in a single request. Larger
// files use the chunked upload path.
const ChunkThreshold int64 = 1048576

// Options controls one pipeline pass.
type Options struct {
	OutputDir           string
	TriggerSuffix       string
	DeliveredSuffix     string
	IgnoreTriggerSuffix bool
	ManifestExt         string

	Parallelize int
	ChunkSize   int64

	ForceUploads bool // upload even when the remote file already matches
	IgnoreLedger bool // re-process paths the ledger records as successful
	RetryFailed  bool
	StubFile     string // uploaded in place of every source file when set
	WarnMissing  bool
	SkipUploads  bool

	Metadata Metadata
}

// Metadata names the remote properties written during a migration.
type Metadata struct {
	ContentType       string
	DocumentTypeField string
	DateFields        []string // in priority order
	UnknownDate       string
	KeyField          string
	GroupField        string
	SectionField      string
	TownshipField     string
	RangeField        string
	DisplayNameField  string
}

// OptionsFromConfig maps the configuration file onto run options.
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	chunk, err := cfg.ChunkSizeBytes()
	if err != nil {
		return Options{}, err
	}
	md := cfg.Metadata
	return Options{
		OutputDir:           cfg.Delivery.OutputDir,
		TriggerSuffix:       cfg.Delivery.TriggerSuffix,
		DeliveredSuffix:     cfg.Delivery.DeliveredSuffix,
		IgnoreTriggerSuffix: cfg.Delivery.IgnoreTriggerSuffix,
		ManifestExt:         cfg.Delivery.ManifestExtension,
		Parallelize:         cfg.Migration.Parallelize,
		ChunkSize:           chunk,
		ForceUploads:        cfg.Migration.ForceUploads,
		RetryFailed:         cfg.Migration.RetryFailed,
		StubFile:            cfg.Migration.StubFile,
		WarnMissing:         cfg.Migration.WarnMissing,
		SkipUploads:         cfg.Migration.SkipUploads,
		Metadata: Metadata{
			ContentType:       md.ContentType,
			DocumentTypeField: md.DocumentTypeField,
			DateFields:        append([]string(nil), md.DateFields...),
			UnknownDate:       md.UnknownDate,
			KeyField:          md.KeyField,
			GroupField:        md.GroupField,
			SectionField:      md.SectionField,
			TownshipField:     md.TownshipField,
			RangeField:        md.RangeField,
			DisplayNameField:  md.DisplayNameField,
		},
	}, nil
}

// withDefaults fills unset options from the default configuration.
func (o Options) withDefaults() Options {
	def := config.DefaultConfig()
	if o.Parallelize <= 0 {
		o.Parallelize = def.Migration.Parallelize
	}
	if o.ChunkSize <= 0 {
		o.ChunkSize = ChunkThreshold
	}
	if o.ManifestExt == "" {
		o.ManifestExt = def.Delivery.ManifestExtension
	}
	if !strings.HasPrefix(o.ManifestExt, ".") {
		o.ManifestExt = "." + o.ManifestExt
	}
	if o.DeliveredSuffix == "" {
		o.DeliveredSuffix = def.Delivery.DeliveredSuffix
	}
	if o.TriggerSuffix == "" && !o.IgnoreTriggerSuffix {
		o.TriggerSuffix = def.Delivery.TriggerSuffix
	}
	md := def.Metadata
	if o.Metadata.ContentType == "" {
		o.Metadata.ContentType = md.ContentType
	}
	if o.Metadata.DocumentTypeField == "" {
		o.Metadata.DocumentTypeField = md.DocumentTypeField
	}
	if len(o.Metadata.DateFields) == 0 {
		o.Metadata.DateFields = md.DateFields
	}
	if o.Metadata.UnknownDate == "" {
		o.Metadata.UnknownDate = md.UnknownDate
	}
	for _, f := range []struct {
		dst *string
		def string
	}{
		{&o.Metadata.KeyField, md.KeyField},
		{&o.Metadata.GroupField, md.GroupField},
		{&o.Metadata.SectionField, md.SectionField},
		{&o.Metadata.TownshipField, md.TownshipField},
		{&o.Metadata.RangeField, md.RangeField},
		{&o.Metadata.DisplayNameField, md.DisplayNameField},
	} {
		if *f.dst == "" {
			*f.dst = f.def
		}
	}
	return o
}

// gateActive reports whether directories must carry the trigger suffix.
func (o Options) gateActive() bool {
	return !o.IgnoreTriggerSuffix
}
