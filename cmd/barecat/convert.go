package main

import (
	"archive/tar"
	"archive/zip"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/barecat-go/barecat/archive"
	"github.com/barecat-go/barecat/index"
)

// archive/tar and archive/zip are stdlib here deliberately: conversion to
// and from these foreign, fully-specified wire formats is incidental
// glue at the CLI boundary, not barecat's own archive format — there is
// no ecosystem barecat-shaped alternative to reach for, and re-implementing
// tar/zip encoding would just be reinventing the standard library.
func newCmdArchive2Barecat() *cli.Command {
	return &cli.Command{
		Name:      "archive2barecat",
		Usage:     "import the contents of a .tar or .zip archive into a barecat archive",
		ArgsUsage: "<source.tar|source.zip> <dest-barecat-path>",
		Action: func(c *cli.Context) error {
			if c.Args().Len() != 2 {
				return cli.Exit("expected <source> <dest-barecat-path>", 1)
			}
			srcPath := c.Args().Get(0)
			dst, err := openForWrite(c, c.Args().Get(1))
			if err != nil {
				return err
			}
			defer dst.Close()

			if strings.HasSuffix(srcPath, ".zip") {
				return importZip(c, srcPath, dst)
			}
			return importTar(c, srcPath, dst)
		},
	}
}

func importTar(c *cli.Context, srcPath string, dst *archive.Archive) error {
	f, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer f.Close()

	tr := tar.NewReader(f)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		if err := dst.AddStream(c.Context, hdr.Name, tr, uint32(hdr.Mode)); err != nil {
			return fmt.Errorf("adding %s: %w", hdr.Name, err)
		}
	}
}

func importZip(c *cli.Context, srcPath string, dst *archive.Archive) error {
	zr, err := zip.OpenReader(srcPath)
	if err != nil {
		return err
	}
	defer zr.Close()

	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return err
		}
		err = dst.AddStream(c.Context, f.Name, rc, uint32(f.Mode().Perm()))
		rc.Close()
		if err != nil {
			return fmt.Errorf("adding %s: %w", f.Name, err)
		}
	}
	return nil
}

func newCmdBarecat2Archive() *cli.Command {
	return &cli.Command{
		Name:      "barecat2archive",
		Usage:     "export a barecat archive's contents to a .tar or .zip archive",
		ArgsUsage: "<archive-path> <dest.tar|dest.zip>",
		Action: func(c *cli.Context) error {
			if c.Args().Len() != 2 {
				return cli.Exit("expected <archive-path> <dest>", 1)
			}
			a, err := archive.Open(c.Args().Get(0), archive.WithReadOnly())
			if err != nil {
				return err
			}
			defer a.Close()

			destPath := c.Args().Get(1)
			if strings.HasSuffix(destPath, ".zip") {
				return exportZip(c, a, destPath)
			}
			return exportTar(c, a, destPath)
		},
	}
}

func exportTar(c *cli.Context, a *archive.Archive, destPath string) error {
	out, err := os.Create(destPath)
	if err != nil {
		return err
	}
	defer out.Close()
	tw := tar.NewWriter(out)
	defer tw.Close()

	iter, err := a.Iter(c.Context, index.OrderAny)
	if err != nil {
		return err
	}
	defer iter.Close()
	for iter.Next() {
		f, err := iter.File()
		if err != nil {
			return err
		}
		data, err := a.Get(c.Context, f.Path)
		if err != nil {
			return err
		}
		hdr := &tar.Header{Name: f.Path, Mode: int64(f.Mode), Size: int64(len(data))}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if _, err := tw.Write(data); err != nil {
			return err
		}
	}
	return iter.Err()
}

func exportZip(c *cli.Context, a *archive.Archive, destPath string) error {
	out, err := os.Create(destPath)
	if err != nil {
		return err
	}
	defer out.Close()
	zw := zip.NewWriter(out)
	defer zw.Close()

	iter, err := a.Iter(c.Context, index.OrderAny)
	if err != nil {
		return err
	}
	defer iter.Close()
	for iter.Next() {
		f, err := iter.File()
		if err != nil {
			return err
		}
		data, err := a.Get(c.Context, f.Path)
		if err != nil {
			return err
		}
		w, err := zw.Create(f.Path)
		if err != nil {
			return err
		}
		if _, err := w.Write(data); err != nil {
			return err
		}
	}
	return iter.Err()
}
