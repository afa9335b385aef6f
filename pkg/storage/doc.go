// Package storage writes downloaded images to the output directory.
//
// Files are streamed to <id>.tmp, verified and only then renamed to their
// final <id><ext> name, so a path returned by the Manager always points at
// a complete image. Leftover temp files from an interrupted run are removed
// when a Manager is created.
//
// Usage:
//
//	manager, err := storage.NewManager("output/cats", 1024)
//	if err != nil {
//	    return err
//	}
//
//	if _, ok := manager.Existing("1234"); !ok {
//	    path, size, err := manager.Save(resp.Body, "1234")
//	    ...
//	}
package storage
