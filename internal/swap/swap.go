// Package swap implements the pairwise file exchange primitive of
// spec.md §4.2: one file moved or copied between two rank endpoints over
// the redundancy communicator, with a rolling CRC and peer-size
// verification.
package swap

import (
	"context"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"

	"github.com/CamStan/scr/internal/comm"
	"github.com/CamStan/scr/internal/screrr"
)

// Mode selects whether both sides keep their source (Copy) or the
// sender's source is consumed (Move).
type Mode int

const (
	// Copy leaves both the sender's original and the receiver's new copy
	// in place.
	Copy Mode = iota
	// Move overwrites the sender's source file in place as it is read,
	// then truncates and renames it to the received basename; if only
	// one side participates the sender's file is deleted (send-only) or
	// a new file is created (receive-only).
	Move
)

// Side describes one endpoint of a swap.
type Side struct {
	// Rank is the peer rank for this side, or comm.NoRank if this side
	// does not participate (asymmetric have/want).
	Rank int
	// FilePath is the local file to send, if this side has an outgoing
	// file.
	FilePath string
	// RecvDir is the directory under which an incoming file is created;
	// only the basename exchanged over the wire is meaningful.
	RecvDir string
	// RecvSize, when > 0, is the peer-reported sidecar size used to
	// validate what was actually received.
	RecvSize int64
}

// Result reports the outcome of one swap for the local process.
type Result struct {
	// ReceivedPath is the path of the file now held locally as a result
	// of the swap, "" if this side had no incoming file.
	ReceivedPath string
	// ReceivedSize is the number of bytes actually written for the
	// incoming file.
	ReceivedSize int64
	// ReceivedCRC is the rolling CRC32 computed over the incoming bytes,
	// valid only when CRC was requested.
	ReceivedCRC uint32
	// Complete reports whether the incoming file matched RecvSize (when
	// RecvSize was supplied); false marks the file for the encoder to
	// treat as a failed swap per spec.md §4.2's error semantics.
	Complete bool
}

// Options configures one swap call.
type Options struct {
	Mode      Mode
	BufSize   int
	CRCOnCopy bool
}

const defaultBufSize = 128 * 1024

// Exchange performs one pairwise swap over c, implementing spec.md §4.2:
// filenames are exchanged first, then a chunked loop interleaves
// nonblocking receive with blocking send until the sender reaches EOF; a
// zero-byte file still sends one zero-length message so the receiver's
// short-message sentinel fires (spec.md §9, preserved intentionally).
func Exchange(ctx context.Context, c comm.Communicator, side Side, opts Options) (Result, error) {
	bufSize := opts.BufSize
	if bufSize <= 0 {
		bufSize = defaultBufSize
	}

	haveOutgoing := side.FilePath != "" && side.Rank != comm.NoRank
	haveIncoming := side.RecvDir != "" && side.Rank != comm.NoRank

	var destName string
	if haveOutgoing {
		if err := c.Send(ctx, side.Rank, tagFilename, []byte(filepath.Base(side.FilePath))); err != nil {
			return Result{}, screrrFatal(err, "swap: send filename")
		}
	}
	if haveIncoming {
		nameBytes, err := c.Recv(ctx, side.Rank, tagFilename)
		if err != nil {
			return Result{}, screrrFatal(err, "swap: recv filename")
		}
		destName = string(nameBytes)
	}

	var srcFile *os.File
	var err error
	if haveOutgoing {
		srcFile, err = os.Open(side.FilePath)
		if err != nil {
			return Result{}, screrrFatal(err, "swap: open source")
		}
		defer srcFile.Close()
	}

	var destFile *os.File
	var destPath string
	writeInPlace := haveOutgoing && opts.Mode == Move
	switch {
	case writeInPlace && haveIncoming:
		// Sender overwrites its own source file in place: separate read
		// and write positions into the same fd.
		destFile = srcFile
		destPath = side.FilePath
	case haveIncoming:
		destPath = filepath.Join(side.RecvDir, destName)
		destFile, err = os.Create(destPath)
		if err != nil {
			return Result{}, screrrFatal(err, "swap: create dest")
		}
		defer destFile.Close()
	}

	var readPos, writePos int64
	var recvCRC uint32
	recvBuf := make([]byte, bufSize)
	sendBuf := make([]byte, bufSize)

	doneSend := !haveOutgoing
	doneRecv := !haveIncoming
	for !doneSend || !doneRecv {
		var sendN int
		if !doneSend {
			n, err := io.ReadFull(srcFile, sendBuf)
			if err == io.ErrUnexpectedEOF {
				err = nil
			}
			if err != nil && err != io.EOF {
				return Result{}, screrrFatal(err, "swap: read source")
			}
			sendN = n
			readPos += int64(sendN)
		}

		type recvResult struct {
			data []byte
			err  error
		}
		recvCh := make(chan recvResult, 1)
		if !doneRecv {
			go func() {
				data, err := c.Recv(ctx, side.Rank, tagData)
				recvCh <- recvResult{data, err}
			}()
		}
		if !doneSend {
			if err := c.Send(ctx, side.Rank, tagData, sendBuf[:sendN]); err != nil {
				return Result{}, screrrFatal(err, "swap: send data")
			}
			if sendN < bufSize {
				doneSend = true
			}
		}

		if !doneRecv {
			rr := <-recvCh
			if rr.err != nil {
				return Result{}, screrrFatal(rr.err, "swap: recv data")
			}
			recvN := copy(recvBuf, rr.data)
			if recvN > 0 {
				if _, err := destFile.WriteAt(recvBuf[:recvN], writePos); err != nil {
					return Result{}, screrrFatal(err, "swap: write dest")
				}
				if opts.CRCOnCopy {
					recvCRC = crc32.Update(recvCRC, crc32.IEEETable, recvBuf[:recvN])
				}
				writePos += int64(recvN)
			}
			if recvN < bufSize {
				// First short message is the sentinel that terminates
				// this direction (spec.md §9: a zero-byte file still
				// sends exactly one zero-length message).
				doneRecv = true
			}
		}
	}

	result := Result{Complete: true}

	if writeInPlace {
		if haveIncoming {
			if err := destFile.Truncate(writePos); err != nil {
				return Result{}, screrrFatal(err, "swap: truncate")
			}
			finalPath := filepath.Join(side.RecvDir, destName)
			if err := srcFile.Close(); err != nil {
				return Result{}, screrrFatal(err, "swap: close before rename")
			}
			if finalPath != side.FilePath {
				if err := os.Rename(side.FilePath, finalPath); err != nil {
					return Result{}, screrrFatal(err, "swap: rename")
				}
			}
			result.ReceivedPath = finalPath
			result.ReceivedSize = writePos
			result.ReceivedCRC = recvCRC
		} else {
			// Send-only: source consumed, nothing left behind.
			if err := srcFile.Close(); err != nil {
				return Result{}, screrrFatal(err, "swap: close send-only")
			}
			if err := os.Remove(side.FilePath); err != nil {
				return Result{}, screrrFatal(err, "swap: remove consumed source")
			}
		}
	} else if haveIncoming {
		result.ReceivedPath = destPath
		result.ReceivedSize = writePos
		result.ReceivedCRC = recvCRC
	}

	if haveIncoming && side.RecvSize > 0 && side.RecvSize != writePos {
		result.Complete = false
	}

	return result, nil
}

const (
	tagFilename = 1
	tagData     = 2
)

func screrrFatal(err error, msg string) error {
	return screrr.WrapFatal(err, msg)
}
