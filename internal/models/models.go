package models

import (
	"errors"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

var (
	// ErrInvalidRecord is wrapped by all record validation failures.
	ErrInvalidRecord = errors.New("invalid record")
)

// BidsValidation carries the result of the structural dataset validator.
// The values here mirror what the BIDS validator reports.
type BidsValidation struct {
	Validated    bool     `bson:"validated" json:"validated"`
	Version      string   `bson:"version,omitempty" json:"version,omitempty"`
	Deidentified bool     `bson:"deidentified" json:"deidentified"`
	Modalities   []string `bson:"modalities" json:"modalities"`
	Tasks        []string `bson:"tasks" json:"tasks"`
	Warnings     []string `bson:"warnings" json:"warnings"`
	Errors       []string `bson:"errors" json:"errors"`
}

// Standard groups the per-standard validation sub-records of a dataset.
// More standards may be added alongside BIDS.
type Standard struct {
	Bids BidsValidation `bson:"bids" json:"bids"`
}

// StorageIDs links a chunk to its remote pin: the content identifier of the
// packed archive and the pinning service's request id.
type StorageIDs struct {
	CID       string `bson:"cid" json:"cid"`
	EstuaryID int64  `bson:"estuaryId" json:"estuaryId"`
}

// Dataset is the root record of the metadata graph. It is created on the
// first successful upload and mutated only by publish and delete.
type Dataset struct {
	ID          primitive.ObjectID   `bson:"_id,omitempty" json:"_id,omitempty"`
	Title       string               `bson:"title" json:"title"`
	Description string               `bson:"description" json:"description"`
	Authors     []primitive.ObjectID `bson:"authors" json:"authors"`
	Uploader    string               `bson:"uploader" json:"uploader"`
	License     string               `bson:"license,omitempty" json:"license,omitempty"`
	DOI         string               `bson:"doi,omitempty" json:"doi,omitempty"`
	Keywords    []string             `bson:"keywords" json:"keywords"`
	Published   bool                 `bson:"published" json:"published"`
	Size        int64                `bson:"size" json:"size"`
	Standard    Standard             `bson:"standard" json:"standard"`
	ChunkIDs    []primitive.ObjectID `bson:"chunkIds" json:"chunkIds"`
}

// Validate checks required fields and the publish invariant. Records failing
// validation must never be inserted.
func (d *Dataset) Validate() error {
	if !ValidAddress(d.Uploader) {
		return errors.Join(ErrInvalidRecord, errors.New("dataset: uploader must be a 42-char 0x address"))
	}
	if d.Size <= 0 {
		return errors.Join(ErrInvalidRecord, errors.New("dataset: size must be positive"))
	}
	if d.Published {
		if d.Title == "" || d.Description == "" || len(d.Authors) == 0 {
			return errors.Join(ErrInvalidRecord, errors.New("dataset: published requires title, description and authors"))
		}
	}
	return nil
}

// Chunk is one packed archive unit belonging to exactly one dataset.
type Chunk struct {
	ID         primitive.ObjectID   `bson:"_id,omitempty" json:"_id,omitempty"`
	DatasetID  primitive.ObjectID   `bson:"datasetId" json:"datasetId"`
	Path       string               `bson:"path,omitempty" json:"path,omitempty"`
	DOI        string               `bson:"doi,omitempty" json:"doi,omitempty"`
	StorageIDs StorageIDs           `bson:"storageIds" json:"storageIds"`
	FileIDs    []primitive.ObjectID `bson:"fileIds" json:"fileIds"`
	Size       int64                `bson:"size" json:"size"`
}

// Validate checks the owning reference and the storage identifiers.
func (c *Chunk) Validate() error {
	if c.DatasetID.IsZero() {
		return errors.Join(ErrInvalidRecord, errors.New("chunk: datasetId is required"))
	}
	if c.StorageIDs.CID == "" {
		return errors.Join(ErrInvalidRecord, errors.New("chunk: storageIds.cid is required"))
	}
	if c.FileIDs == nil {
		return errors.Join(ErrInvalidRecord, errors.New("chunk: fileIds must be present"))
	}
	if c.Size <= 0 {
		return errors.Join(ErrInvalidRecord, errors.New("chunk: size must be positive"))
	}
	return nil
}

// CommonsFile is one logical file inside a chunk's packed archive.
type CommonsFile struct {
	ID            primitive.ObjectID `bson:"_id,omitempty" json:"_id,omitempty"`
	ChunkID       primitive.ObjectID `bson:"chunkId" json:"chunkId"`
	Name          string             `bson:"name" json:"name"`
	Path          string             `bson:"path" json:"path"`
	Size          int64              `bson:"size" json:"size"`
	Documentation string             `bson:"documentation,omitempty" json:"documentation,omitempty"`
	// EstuaryID is filled in on read paths for the frontend; it is not persisted.
	EstuaryID int64 `bson:"-" json:"estuaryId,omitempty"`
}

// Validate checks the owning reference and the file name.
func (f *CommonsFile) Validate() error {
	if f.ChunkID.IsZero() {
		return errors.Join(ErrInvalidRecord, errors.New("commonsFile: chunkId is required"))
	}
	if f.Name == "" {
		return errors.Join(ErrInvalidRecord, errors.New("commonsFile: name is required"))
	}
	return nil
}

// Author is referenced by Dataset.Authors. ORCID, email and blockchain
// address stay optional until identity de-duplication lands.
type Author struct {
	ID                primitive.ObjectID `bson:"_id,omitempty" json:"_id,omitempty"`
	Name              string             `bson:"name" json:"name"`
	ORCID             string             `bson:"orcid,omitempty" json:"orcid,omitempty"`
	Email             string             `bson:"email,omitempty" json:"email,omitempty"`
	BlockchainAddress string             `bson:"blockchainAddress,omitempty" json:"blockchainAddress,omitempty"`
}

// Validate requires a name.
func (a *Author) Validate() error {
	if a.Name == "" {
		return errors.Join(ErrInvalidRecord, errors.New("author: name is required"))
	}
	return nil
}

// PublishFields are the descriptive fields a publish request attaches to a
// dataset together with the published flag.
type PublishFields struct {
	Title       string
	Description string
	Keywords    []string
	AuthorIDs   []primitive.ObjectID
}

// ValidAddress reports whether addr looks like a wallet address:
// 42 characters, 0x-prefixed.
func ValidAddress(addr string) bool {
	return len(addr) == 42 && addr[0:2] == "0x"
}
