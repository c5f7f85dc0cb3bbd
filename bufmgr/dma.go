// Copyright 2024 The Armored Witness OS authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

//go:build tamago

package bufmgr

import (
	"github.com/usbarmory/tamago/dma"
)

// Region adapts a tamago DMA region to the Memory interface.
type Region struct {
	*dma.Region
}

// NewRegion carves a DMA region for token buffers out of the given memory
// window, which must not overlap the runtime heap.
func NewRegion(start uint, size int) (*Region, error) {
	r, err := dma.NewRegion(start, size, false)

	if err != nil {
		return nil, err
	}

	return &Region{r}, nil
}

// Alloc copies buf into the region, 0 is returned when the region is
// exhausted.
func (r *Region) Alloc(buf []byte, align int) (addr uint) {
	defer func() {
		if recover() != nil {
			addr = 0
		}
	}()

	return r.Region.Alloc(buf, align)
}
