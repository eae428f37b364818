package domain

// ArtifactStore is the port for object storage. The core treats URIs as
// opaque; only the implementation interprets them. URI builders centralise
// the layout contract so no other package concatenates paths.
type ArtifactStore interface {
	DatasetURI(datasetID int64) string
	BackgroundSampleURI(datasetID int64) string
	ModelURI(name string, version int) string

	Write(ctx Context, uri string, data []byte) error
	Read(ctx Context, uri string) ([]byte, error)
	Delete(ctx Context, uri string) error
	Exists(ctx Context, uri string) (bool, error)
}
