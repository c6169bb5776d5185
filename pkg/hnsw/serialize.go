// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package hnsw

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"sort"
)

const (
	magic         = "LBH1"
	formatVersion = uint32(1)
)

// ErrInvalidPayload is returned when a serialized graph fails magic/version
// validation (spec §4.6 "invalid_hnsw_payload").
var ErrInvalidPayload = fmt.Errorf("invalid_hnsw_payload")

// Serialize encodes the graph per spec §4.6's binary layout: magic,
// version, config, maxLayer, entry point, then every node sorted by id
// with its layers in ascending order.
func (g *Graph) Serialize() ([]byte, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var buf bytes.Buffer
	buf.WriteString(magic)
	writeU32(&buf, formatVersion)
	writeU32(&buf, uint32(g.cfg.M))
	writeU32(&buf, uint32(g.cfg.EfConstruction))
	writeU32(&buf, uint32(g.cfg.EfSearch))
	writeI32(&buf, int32(g.maxLayer))

	writeU32(&buf, uint32(len(g.entryPoint)))
	buf.WriteString(g.entryPoint)

	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	writeU32(&buf, uint32(len(ids)))
	for _, id := range ids {
		n := g.nodes[id]

		writeU32(&buf, uint32(len(n.id)))
		buf.WriteString(n.id)

		writeU32(&buf, uint32(len(n.entityType)))
		buf.WriteString(n.entityType)

		writeU32(&buf, uint32(len(n.vector)))
		for _, f := range n.vector {
			writeU32(&buf, math.Float32bits(f))
		}

		layers := make([]int, 0, len(n.connections))
		for layer := range n.connections {
			layers = append(layers, layer)
		}
		sort.Ints(layers)

		writeU32(&buf, uint32(len(layers)))
		for _, layer := range layers {
			writeI32(&buf, int32(layer))
			conns := n.connections[layer]
			writeU32(&buf, uint32(len(conns)))
			for _, cid := range conns {
				writeU32(&buf, uint32(len(cid)))
				buf.WriteString(cid)
			}
		}
	}

	return buf.Bytes(), nil
}

// Deserialize parses a graph previously produced by Serialize. On any
// structural error (bad magic/version/truncation) it returns
// ErrInvalidPayload; callers should fall back to a rebuild from the
// embedding store and delete the on-disk file (spec §4.6 "Persistence").
func Deserialize(data []byte) (*Graph, error) {
	r := bytes.NewReader(data)

	hdr := make([]byte, len(magic))
	if _, err := io.ReadFull(r, hdr); err != nil || string(hdr) != magic {
		return nil, ErrInvalidPayload
	}

	version, err := readU32(r)
	if err != nil || version != formatVersion {
		return nil, ErrInvalidPayload
	}

	m, err1 := readU32(r)
	efc, err2 := readU32(r)
	efs, err3 := readU32(r)
	maxLayer, err4 := readI32(r)
	if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
		return nil, ErrInvalidPayload
	}

	entryLen, err := readU32(r)
	if err != nil {
		return nil, ErrInvalidPayload
	}
	entryBytes := make([]byte, entryLen)
	if _, err := io.ReadFull(r, entryBytes); err != nil {
		return nil, ErrInvalidPayload
	}

	nodeCount, err := readU32(r)
	if err != nil {
		return nil, ErrInvalidPayload
	}

	g := &Graph{
		cfg:        Config{M: int(m), EfConstruction: int(efc), EfSearch: int(efs)},
		nodes:      make(map[string]*node, nodeCount),
		entryPoint: string(entryBytes),
		maxLayer:   int(maxLayer),
		dims:       make(map[int]int),
	}

	for i := uint32(0); i < nodeCount; i++ {
		idLen, err := readU32(r)
		if err != nil {
			return nil, ErrInvalidPayload
		}
		idBytes := make([]byte, idLen)
		if _, err := io.ReadFull(r, idBytes); err != nil {
			return nil, ErrInvalidPayload
		}

		typeLen, err := readU32(r)
		if err != nil {
			return nil, ErrInvalidPayload
		}
		typeBytes := make([]byte, typeLen)
		if _, err := io.ReadFull(r, typeBytes); err != nil {
			return nil, ErrInvalidPayload
		}

		dim, err := readU32(r)
		if err != nil {
			return nil, ErrInvalidPayload
		}
		vector := make([]float32, dim)
		for j := uint32(0); j < dim; j++ {
			bits, err := readU32(r)
			if err != nil {
				return nil, ErrInvalidPayload
			}
			vector[j] = math.Float32frombits(bits)
		}

		n := newNode(string(idBytes), string(typeBytes), vector)

		layerCount, err := readU32(r)
		if err != nil {
			return nil, ErrInvalidPayload
		}
		for l := uint32(0); l < layerCount; l++ {
			layer, err := readI32(r)
			if err != nil {
				return nil, ErrInvalidPayload
			}
			connCount, err := readU32(r)
			if err != nil {
				return nil, ErrInvalidPayload
			}
			conns := make([]string, 0, connCount)
			for c := uint32(0); c < connCount; c++ {
				cidLen, err := readU32(r)
				if err != nil {
					return nil, ErrInvalidPayload
				}
				cidBytes := make([]byte, cidLen)
				if _, err := io.ReadFull(r, cidBytes); err != nil {
					return nil, ErrInvalidPayload
				}
				conns = append(conns, string(cidBytes))
			}
			n.connections[int(layer)] = conns
		}

		g.nodes[n.id] = n
		g.dims[len(vector)]++
	}

	return g, nil
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeI32(buf *bytes.Buffer, v int32) {
	writeU32(buf, uint32(v))
}

func readU32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func readI32(r io.Reader) (int32, error) {
	v, err := readU32(r)
	return int32(v), err
}
