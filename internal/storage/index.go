package storage

import (
	"sort"

	"photoprep/internal/metadata"
)

// fingerprintIndex is a BK-tree over perceptual fingerprints. Hamming
// distance is a metric, so a query only descends into children whose edge
// distance lies within threshold of the distance to the current node.
type fingerprintIndex struct {
	root *indexNode
	size int
}

type indexNode struct {
	fingerprint uint64
	positions   []int // all records sharing this fingerprint
	children    map[int]*indexNode
}

// add records that the record at position has fingerprint
func (idx *fingerprintIndex) add(fingerprint uint64, position int) {
	idx.size++
	if idx.root == nil {
		idx.root = &indexNode{fingerprint: fingerprint, positions: []int{position}}
		return
	}

	current := idx.root
	for {
		dist := metadata.HammingDistance(fingerprint, current.fingerprint)
		if dist == 0 {
			current.positions = append(current.positions, position)
			return
		}
		child, ok := current.children[dist]
		if !ok {
			if current.children == nil {
				current.children = make(map[int]*indexNode)
			}
			current.children[dist] = &indexNode{fingerprint: fingerprint, positions: []int{position}}
			return
		}
		current = child
	}
}

// within returns the positions of all fingerprints at most threshold bits
// away, in ascending order
func (idx *fingerprintIndex) within(fingerprint uint64, threshold int) []int {
	if idx.root == nil || threshold < 0 {
		return nil
	}

	var found []int
	stack := []*indexNode{idx.root}
	for len(stack) > 0 {
		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		dist := metadata.HammingDistance(fingerprint, node.fingerprint)
		if dist <= threshold {
			found = append(found, node.positions...)
		}
		for edge, child := range node.children {
			if edge >= dist-threshold && edge <= dist+threshold {
				stack = append(stack, child)
			}
		}
	}

	sort.Ints(found)
	return found
}
