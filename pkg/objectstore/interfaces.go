package objectstore

import (
	"context"
	"io"
	"time"
)

// BlobStore holds serialized objects and managed datastream content, keyed by
// opaque tokens.
type BlobStore interface {
	// Put stores a new blob. It fails with ErrBlobExists if token is taken.
	Put(ctx context.Context, token string, r io.Reader) error

	// Get opens a blob. It fails with ErrBlobNotFound for an unknown token.
	Get(ctx context.Context, token string) (io.ReadCloser, error)

	// Replace overwrites an existing blob. It fails with ErrBlobNotFound
	// for an unknown token.
	Replace(ctx context.Context, token string, r io.Reader) error

	// Remove deletes a blob. It fails with ErrBlobNotFound for an unknown
	// token.
	Remove(ctx context.Context, token string) error
}

// Registry is the durable table of objects. Implementations wrap backend
// failures so that they match ErrStorageDevice.
type Registry interface {
	// Exists reports whether pid is registered.
	Exists(ctx context.Context, pid string) (bool, error)

	// Register inserts a new entry with version zero. It fails with
	// ErrObjectExists if pid is already registered.
	Register(ctx context.Context, entry RegistryEntry) error

	// Unregister deletes an entry. It fails with ErrObjectNotFound if pid
	// is not registered.
	Unregister(ctx context.Context, pid string) error

	// Get returns the entry for pid.
	Get(ctx context.Context, pid string) (*RegistryEntry, error)

	// Update runs fn in a single registry transaction. If fn returns an
	// error nothing it wrote is kept.
	Update(ctx context.Context, fn func(tx RegistryTx) error) error
}

// RegistryTx is the write surface available inside Registry.Update.
type RegistryTx interface {
	// IncrementVersion bumps the object's version counter, refreshes its
	// owner, label and state, and returns the new version.
	IncrementVersion(ctx context.Context, pid, ownerID, label string, state State) (int64, error)

	// PutBinding inserts or updates a deployment binding.
	PutBinding(ctx context.Context, b DeploymentBinding) error

	// DeleteBinding removes a deployment binding. Removing an absent
	// binding is not an error.
	DeleteBinding(ctx context.Context, deploymentID string, sc ServiceContext) error
}

// BindingSource lists every stored deployment binding.
type BindingSource interface {
	ListBindings(ctx context.Context, fn func(DeploymentBinding) error) error
}

// CounterStore persists identifier high-water marks per namespace.
type CounterStore interface {
	// LoadCounters returns every persisted namespace mark.
	LoadCounters(ctx context.Context) (map[string]int64, error)

	// SaveCounter persists the mark for namespace.
	SaveCounter(ctx context.Context, namespace string, high int64) error
}

// TranslationContext selects how an object is rendered by a Translator.
type TranslationContext int

// Translation contexts.
const (
	ContextStorage TranslationContext = iota
	ContextPublic
	ContextMigrate
	ContextArchive
)

func (c TranslationContext) String() string {
	switch c {
	case ContextStorage:
		return "storage"
	case ContextPublic:
		return "public"
	case ContextMigrate:
		return "migrate"
	case ContextArchive:
		return "archive"
	}
	return "unknown"
}

// ParseTranslationContext parses an export context name.
func ParseTranslationContext(s string) (TranslationContext, error) {
	switch s {
	case "storage":
		return ContextStorage, nil
	case "public", "":
		return ContextPublic, nil
	case "migrate":
		return ContextMigrate, nil
	case "archive":
		return ContextArchive, nil
	}
	return 0, invalidStatef("unknown export context %q", s)
}

// Translator converts objects to and from named wire formats.
type Translator interface {
	Serialize(ctx context.Context, w io.Writer, obj *DigitalObject, format string, tc TranslationContext) error
	Deserialize(ctx context.Context, r io.Reader, format string, tc TranslationContext) (*DigitalObject, error)
}

// ContentFetcher retrieves content stored outside the repository.
type ContentFetcher interface {
	Fetch(ctx context.Context, req FetchRequest) (*FetchedContent, error)
}

// FetchRequest describes external content to retrieve.
type FetchRequest struct {
	Location string
	Username string
	Password string
	// ContextToken identifies the request on whose behalf content is fetched.
	ContextToken string
}

// FetchedContent is an open stream of external content.
type FetchedContent struct {
	Body       io.ReadCloser
	MIMEType   string
	Size       int64
	ModifiedAt time.Time
	Headers    map[string]string
}

// ContentSpool holds content uploaded ahead of the commit that will store it.
type ContentSpool interface {
	// Open returns the spooled content for an uploaded:// or temp:// location.
	Open(ctx context.Context, location string) (io.ReadCloser, error)

	// Discard forgets spooled content once it has been stored.
	Discard(ctx context.Context, location string) error
}

// SearchIndex receives object changes.
type SearchIndex interface {
	Update(ctx context.Context, r *Reader) error
	Delete(ctx context.Context, pid string) error
}

// ReaderCache holds read-only sessions.
//
// Generation changes on every Remove. PutIfCurrent stores r only if no
// Remove ran since gen was read, and reports whether it did; the check and
// the insert are one step so a reader loaded before a commit is never
// published after it.
type ReaderCache interface {
	Get(pid string) (*Reader, bool)
	Generation() uint64
	PutIfCurrent(pid string, r *Reader, gen uint64) bool
	Remove(pid string)
}

// IdentifierGenerator issues and reserves object identifiers.
type IdentifierGenerator interface {
	Generate(ctx context.Context, namespace string) (string, error)
	Reserve(ctx context.Context, pid string) error
}

// DeploymentIndex resolves service deployments and is kept current by commits.
type DeploymentIndex interface {
	Resolve(contentModel, serviceDefinition string) (string, bool)

	// Rebind records the contexts a deployment now serves inside tx. The
	// returned function applies the change in memory and must be called
	// only after tx commits.
	Rebind(ctx context.Context, tx RegistryTx, deploymentID string, modifiedAt time.Time, contexts []ServiceContext) (apply func(), err error)
}
