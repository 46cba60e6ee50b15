// Command syncfs is the reference CLI for the sync engine: it creates and
// clones repositories, mounts them as a FUSE filesystem, and inspects a
// repository's inode log for debugging.
package main

func main() {
	Execute()
}
