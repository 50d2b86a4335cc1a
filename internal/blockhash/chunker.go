package blockhash

import (
	"errors"
	"fmt"
	"io"
)

// Block is one chunk produced by the Chunker. Data aliases an internal buffer
// and is only valid for the duration of the callback.
type Block struct {
	Index int64
	Hash  string
	Data  []byte
}

// Result summarizes a chunked stream.
type Result struct {
	Hash        string
	Size        int64
	BlockHashes []string
	// Blocklists is empty for streams of zero or one block.
	Blocklists []string
}

// Chunker splits a stream into fixed-size blocks, hashing each block and the
// whole stream in a single pass.
type Chunker struct {
	blocksize int
	blockAlg  Algorithm
	fileAlg   Algorithm
	buf       []byte
	list      []byte
}

// NewChunker creates a chunker. blocksize must hold at least two block hashes
// so that blocklist buffers can be formed.
func NewChunker(blocksize int, blockAlg, fileAlg Algorithm) (*Chunker, error) {
	if blocksize < 2*blockAlg.Size {
		return nil, fmt.Errorf("blocksize %d is too small for %s hashes", blocksize, blockAlg.Name)
	}
	return &Chunker{
		blocksize: blocksize,
		blockAlg:  blockAlg,
		fileAlg:   fileAlg,
		buf:       make([]byte, blocksize),
		list:      make([]byte, 0, (blocksize/blockAlg.Size)*blockAlg.Size),
	}, nil
}

// HashesPerBlocklist is the number of block hashes one blocklist block holds.
func (c *Chunker) HashesPerBlocklist() int {
	return c.blocksize / c.blockAlg.Size
}

// Chunk reads r to EOF. onBlock is called for every content block in order.
// onBlocklist is called whenever the blocklist buffer fills, and once more for
// the final partial buffer, but only for streams that span more than one block.
func (c *Chunker) Chunk(r io.Reader, onBlock, onBlocklist func(Block) error) (*Result, error) {
	fileHash := c.fileAlg.New()
	res := &Result{}
	c.list = c.list[:0]
	var listIndex int64

	flush := func() error {
		if len(c.list) == 0 {
			return nil
		}
		h := c.blockAlg.Sum(c.list)
		res.Blocklists = append(res.Blocklists, h)
		err := onBlocklist(Block{Index: listIndex, Hash: h, Data: c.list})
		listIndex++
		c.list = c.list[:0]
		return err
	}

	for {
		n, readErr := io.ReadFull(r, c.buf)
		if n > 0 {
			data := c.buf[:n]
			fileHash.Write(data)

			bh := c.blockAlg.New()
			bh.Write(data)
			raw := bh.Sum(nil)
			h := Encode(raw)

			idx := int64(len(res.BlockHashes))
			res.BlockHashes = append(res.BlockHashes, h)
			res.Size += int64(n)
			if err := onBlock(Block{Index: idx, Hash: h, Data: data}); err != nil {
				return nil, err
			}

			if len(c.list)+len(raw) > cap(c.list) {
				if err := flush(); err != nil {
					return nil, err
				}
			}
			c.list = append(c.list, raw...)
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) || errors.Is(readErr, io.ErrUnexpectedEOF) {
				break
			}
			return nil, fmt.Errorf("reading block %d: %w", len(res.BlockHashes), readErr)
		}
	}

	if len(res.BlockHashes) > 1 {
		if err := flush(); err != nil {
			return nil, err
		}
	}
	c.list = c.list[:0]
	res.Hash = Encode(fileHash.Sum(nil))
	return res, nil
}
