// -----------------------------------------------------------------------
// Capsule Writer - Length-prefixed frame container behind CapsuleWriter
// -----------------------------------------------------------------------

package capsule

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Magic identifies a capsule container file.
var Magic = []byte{'M', 'V', '2', 0x01}

// ContainerFormat names the container layout stored in the header frame.
const ContainerFormat = "capsuled.container.v1"

// EmbeddingIdentity names the embedding runtime that produced a semantic
// capsule. Its values become identity tags on every written frame.
type EmbeddingIdentity struct {
	Provider  string
	Model     string
	Dimension int
}

// WriterOptions selects the tag variant for a write. Semantic writes
// require an identity and stamp provider/model/dimension tags on every
// frame; plain writes use the plain tag set. The two variants stay
// separate.
type WriterOptions struct {
	SemanticEnabled bool
	Identity        *EmbeddingIdentity
}

// ProgressFunc receives (written, total) after each persisted frame.
type ProgressFunc func(written, total int)

// CapsuleWriter persists frame documents into a capsule file.
type CapsuleWriter interface {
	Write(ctx context.Context, path string, docs []FrameDocument, opts WriterOptions, onProgress ProgressFunc) error
}

// ContainerHeader is the first length-prefixed frame of a container.
type ContainerHeader struct {
	Format     string `json:"format"`
	FrameCount int    `json:"frameCount"`
	Semantic   bool   `json:"semantic"`
	WrittenAt  string `json:"writtenAt"`
}

// ContainerWriter is the built-in CapsuleWriter: magic bytes, one JSON
// header frame, then one length-prefixed JSON frame per document.
type ContainerWriter struct{}

// NewContainerWriter creates the default writer.
func NewContainerWriter() *ContainerWriter {
	return &ContainerWriter{}
}

// Write persists the documents to path, replacing any existing file. The
// write aborts with the context error as soon as ctx is canceled; the
// partial file is left for the caller's rollback to remove.
func (w *ContainerWriter) Write(ctx context.Context, path string, docs []FrameDocument, opts WriterOptions, onProgress ProgressFunc) error {
	if opts.SemanticEnabled && opts.Identity == nil {
		return fmt.Errorf("semantic export requires an embedding identity")
	}

	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create capsule %s: %w", path, err)
	}
	defer file.Close()

	out := bufio.NewWriter(file)
	if _, err := out.Write(Magic); err != nil {
		return fmt.Errorf("failed writing capsule magic: %w", err)
	}

	header := ContainerHeader{
		Format:     ContainerFormat,
		FrameCount: len(docs),
		Semantic:   opts.SemanticEnabled,
		WrittenAt:  time.Now().UTC().Format(time.RFC3339),
	}
	if err := writeLengthPrefixed(out, header); err != nil {
		return fmt.Errorf("failed writing capsule header: %w", err)
	}

	total := len(docs)
	if total < 1 {
		total = 1
	}

	for i := range docs {
		if err := ctx.Err(); err != nil {
			return err
		}

		frame := StoredFrame{
			Title:    docs[i].Title,
			Label:    docs[i].Label,
			URI:      docs[i].URI,
			Track:    docs[i].Track,
			Text:     docs[i].Text,
			Tags:     frameTags(&docs[i], opts),
			Metadata: docs[i].Metadata,
		}
		if err := writeLengthPrefixed(out, frame); err != nil {
			return fmt.Errorf("failed writing frame %s: %w", docs[i].URI, err)
		}
		if onProgress != nil {
			onProgress(i+1, total)
		}
	}

	if err := out.Flush(); err != nil {
		return fmt.Errorf("failed flushing capsule %s: %w", path, err)
	}
	if err := file.Sync(); err != nil {
		return fmt.Errorf("failed syncing capsule %s: %w", path, err)
	}
	return nil
}

// frameTags assembles the stored tag map. The semantic variant rebuilds
// the set with the embedding identity tags; the plain variant carries
// only the base and document tags.
func frameTags(doc *FrameDocument, opts WriterOptions) map[string]string {
	var tags map[string]string
	if opts.SemanticEnabled && opts.Identity != nil {
		tags = map[string]string{
			"track":              doc.Track,
			"label":              doc.Label,
			"semantic":           "true",
			"embeddingProvider":  opts.Identity.Provider,
			"embeddingModel":     opts.Identity.Model,
			"embeddingDimension": strconv.Itoa(opts.Identity.Dimension),
		}
	} else {
		tags = map[string]string{
			"track":    doc.Track,
			"label":    doc.Label,
			"semantic": strconv.FormatBool(opts.SemanticEnabled),
		}
	}

	for _, tag := range doc.Tags {
		if key, value, ok := strings.Cut(tag, "="); ok {
			tags[key] = value
		}
	}
	return tags
}

func writeLengthPrefixed(out *bufio.Writer, value interface{}) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		return err
	}
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(encoded)))
	if _, err := out.Write(prefix[:]); err != nil {
		return err
	}
	_, err = out.Write(encoded)
	return err
}
