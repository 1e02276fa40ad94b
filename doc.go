// Package cloudview presents several storage backends as one tree namespace
// addressed by "server://path" URLs, with a lazily populated tree cache,
// request coalescing, explicit invalidation and a dependency-graph job
// scheduler that runs every load and mutation.
//
// # Storage Backends
//
// A backend implements [Backend] (Root, List, Stat, Open) and any of the
// optional capability interfaces. Drivers live under driver/:
//
//   - Local filesystem (github.com/gobeaver/cloudview/driver/local)
//   - Encrypting overlay (github.com/gobeaver/cloudview/driver/crypt)
//   - In-memory (github.com/gobeaver/cloudview/driver/memory)
//   - Amazon S3 (github.com/gobeaver/cloudview/driver/s3)
//   - Google Cloud Storage (github.com/gobeaver/cloudview/driver/gcs)
//   - Azure Blob Storage (github.com/gobeaver/cloudview/driver/azure)
//   - SFTP (github.com/gobeaver/cloudview/driver/sftp)
//   - ZIP archives (github.com/gobeaver/cloudview/driver/zip)
//
// Drivers register themselves with [RegisterDriver] when imported, so a
// servers file can name them by kind.
//
// # Basic Usage
//
//	ns := cloudview.NewNamespace()
//	defer ns.Close()
//
//	disk, _ := local.New("/srv/data")
//	ns.AddServer("disk", "local", disk)
//
//	it, err := ns.Resolve(ctx, "disk://photos/2024", cloudview.UseCache)
//	for _, c := range it.ChildItems() {
//	    fmt.Println(c.Name(), c.Size())
//	}
//
// # Optional Capabilities
//
// Mutations are exposed through capability interfaces and checked with type
// assertions. The [Server] wraps each one in a job:
//
//	j, err := srv.Upload(folder, "a.txt", size, cloudview.FromFile("a.txt"), nil)
//	item, err := j.Await(ctx)
//
// # Invalidation
//
// A finished mutation marks the folders it touched. The next [Namespace.Resolve]
// walking through a marked folder re-lists it from the backend once.
// Backends implementing [CanWatch] feed the same marks from change
// notifications.
//
// # Encryption
//
// The crypt driver stores files in a block-aligned format (package blockcrypt)
// that supports reads from arbitrary offsets without decrypting the prefix.
//
// # Configuration
//
// [New] reads [Config] from the environment (BEAVER_CLOUDVIEW_* variables)
// and mounts the servers listed in the YAML servers file.
package cloudview
