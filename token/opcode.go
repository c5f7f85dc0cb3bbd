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

package token

import (
	"fmt"
	"sync"
)

// Opcode selects the token family.
type Opcode uint8

// Subcode selects the operation within a token family.
type Subcode uint8

// EIP-130 opcodes
const (
	OpNOP              Opcode = 0
	OpEncryption       Opcode = 1
	OpHash             Opcode = 2
	OpMAC              Opcode = 3
	OpTRNG             Opcode = 4
	OpSpecialFunctions Opcode = 5
	OpSymWrap          Opcode = 6
	OpAssetManagement  Opcode = 7
	OpAuthUnlock       Opcode = 8
	OpPublicKey        Opcode = 9
	OpService          Opcode = 14
	OpSystem           Opcode = 15
)

// TRNG subcodes
const (
	SubRandomNumber Subcode = 0
	SubTRNGConfig   Subcode = 1
)

// Asset management subcodes
const (
	SubAssetSearch        Subcode = 0
	SubAssetCreate        Subcode = 1
	SubAssetLoad          Subcode = 2
	SubAssetDelete        Subcode = 3
	SubPublicData         Subcode = 4
	SubMonotonicRead      Subcode = 5
	SubMonotonicIncrement Subcode = 6
	SubOTPDataWrite       Subcode = 7
	SubSecureTimer        Subcode = 8
	SubProvisionRandomHUK Subcode = 9
	SubCPIFExport         Subcode = 10
	SubAssetStoreReset    Subcode = 15
)

// Symmetric wrap subcodes
const (
	SubSymKeyWrap Subcode = 0
)

// Authenticated unlock subcodes
const (
	SubAuthUnlockStart  Subcode = 0
	SubAuthUnlockVerify Subcode = 1
	SubSetSecureDebug   Subcode = 2
)

// Public key subcodes
const (
	SubPKNoAssets   Subcode = 0
	SubPKWithAssets Subcode = 1
)

// Service subcodes
const (
	SubRegisterRead     Subcode = 0
	SubRegisterWrite    Subcode = 1
	SubClockSwitch      Subcode = 2
	SubZeroOutMailbox   Subcode = 3
	SubSelectOTPZero    Subcode = 4
	SubZeroizeOTP       Subcode = 5
	SubFirmwareCheck    Subcode = 6
	SubUpdateRollbackID Subcode = 7
)

// System subcodes
const (
	SubSystemInfo  Subcode = 0
	SubSelfTest    Subcode = 1
	SubReset       Subcode = 2
	SubLogin       Subcode = 3
	SubSleep       Subcode = 4
	SubResumeSleep Subcode = 5
	SubSetTime     Subcode = 8
)

var opcodeNames = map[Opcode]string{
	OpNOP:              "nop",
	OpEncryption:       "encryption",
	OpHash:             "hash",
	OpMAC:              "mac",
	OpTRNG:             "trng",
	OpSpecialFunctions: "special-functions",
	OpSymWrap:          "sym-wrap",
	OpAssetManagement:  "asset-management",
	OpAuthUnlock:       "auth-unlock",
	OpPublicKey:        "public-key",
	OpService:          "service",
	OpSystem:           "system",
}

func (o Opcode) String() string {
	if s, ok := opcodeNames[o]; ok {
		return s
	}

	return fmt.Sprintf("opcode(%d)", uint8(o))
}

// Kind identifies an operation by opcode and subcode.
type Kind struct {
	Op  Opcode
	Sub Subcode
}

func (k Kind) String() string {
	return fmt.Sprintf("%s/%d", k.Op, k.Sub)
}

// Frequently referenced operations
var (
	KindLogin              = Kind{OpSystem, SubLogin}
	KindReset              = Kind{OpSystem, SubReset}
	KindProvisionRandomHUK = Kind{OpAssetManagement, SubProvisionRandomHUK}
)

// IDGenerator hands out token identifiers. Identifiers are 16-bit, wrap
// around and never take the value 0, which the device uses to flag an
// unwritten DMA token identifier.
type IDGenerator struct {
	mu   sync.Mutex
	last uint16
}

// Next returns the next token identifier.
func (g *IDGenerator) Next() uint16 {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.last++

	if g.last == 0 {
		g.last = 1
	}

	return g.last
}

const (
	staticAssetMask  = 0xff03ff03
	staticAssetValue = 0x5a02a501
)

// IsStaticAsset reports whether the asset identifier refers to a static
// (OTP resident) asset. Static assets can be searched for but never created
// or deleted.
func IsStaticAsset(id uint32) bool {
	return (id&staticAssetMask)^staticAssetValue == 0
}
