package merkle

import "fmt"

// Build hashes each input leaf with Leaf and builds the binary tree over
// the results. Leaf order is semantically significant: this is an ordered
// commitment, not a set commitment.
//
// Empty input commits to emptiness as Leaf(nil), the same root as a single
// empty leaf. Callers that need a distinct "nothing at all" sentinel (the
// full-text root) map to Zero themselves before ever reaching the builder.
//
// The returned levels run from the leaf level up to the single-element root
// level; root always equals the sole element of the last level. Levels feed
// inclusion proofs, they are not needed to recompute the root.
func (h Hasher) Build(leaves [][]byte) (Hash, [][]Hash) {
	level0 := make([]Hash, 0, max(len(leaves), 1))
	for _, l := range leaves {
		level0 = append(level0, h.Leaf(l))
	}
	return h.BuildHashed(level0)
}

// BuildHashed builds the tree over caller-hashed leaves. Used when the
// leaves were already produced by Leaf under this deployment's digest, for
// example pre-hashed full-text chunks; mixing leaf encodings between
// register and validate breaks root equality, so one encoding is applied
// uniformly for the life of a deployment.
func (h Hasher) BuildHashed(level0 []Hash) (Hash, [][]Hash) {
	if len(level0) == 0 {
		level0 = []Hash{h.Leaf(nil)}
	}
	levels := [][]Hash{level0}
	level := level0
	for len(level) > 1 {
		next := make([]Hash, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			left := level[i]
			// Duplicate-last: an unpaired element is hashed with itself,
			// never promoted or dropped.
			right := left
			if i+1 < len(level) {
				right = level[i+1]
			}
			next = append(next, h.Node(left, right))
		}
		levels = append(levels, next)
		level = next
	}
	return level[0], levels
}

// ProofStep is one element of an inclusion proof: the sibling hash at a
// level and the side it sits on.
type ProofStep struct {
	Sibling Hash `json:"sibling"`
	Left    bool `json:"left"`
}

// Proof extracts the inclusion proof for the leaf at index from levels as
// returned by Build or BuildHashed. An unpaired element's sibling is the
// element itself, matching the duplicate-last build rule.
func Proof(levels [][]Hash, index int) ([]ProofStep, error) {
	if len(levels) == 0 {
		return nil, fmt.Errorf("proof: empty tree")
	}
	if index < 0 || index >= len(levels[0]) {
		return nil, fmt.Errorf("proof: index %d out of range [0, %d)", index, len(levels[0]))
	}
	proof := make([]ProofStep, 0, len(levels)-1)
	for _, level := range levels[:len(levels)-1] {
		sib := index ^ 1
		if sib >= len(level) {
			sib = index
		}
		proof = append(proof, ProofStep{Sibling: level[sib], Left: sib < index})
		index /= 2
	}
	return proof, nil
}

// VerifyProof recomputes the root from a hashed leaf and its proof and
// reports whether it matches.
func (h Hasher) VerifyProof(leaf Hash, proof []ProofStep, root Hash) bool {
	node := leaf
	for _, p := range proof {
		if p.Left {
			node = h.Node(p.Sibling, node)
		} else {
			node = h.Node(node, p.Sibling)
		}
	}
	return node == root
}
