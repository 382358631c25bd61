package gomoku

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Size is the board edge length. Five in a row on 15x15, the classic layout.
const Size = 15

const WinLength = 5

// Stone marks a cell owner. The empty string means the cell is free.
type Stone string

const Empty Stone = ""

// Coord is a single board position.
type Coord struct {
	Row int `json:"row"`
	Col int `json:"col"`
}

// axes are scanned in a fixed order; the first winning axis is the one
// whose line gets reported.
var axes = [4][2]int{
	{0, 1},  // horizontal
	{1, 0},  // vertical
	{1, 1},  // diagonal \
	{1, -1}, // diagonal /
}

// Board holds one game's grid and terminal state. All operations are
// local and pure; nothing here does I/O.
type Board struct {
	cells       [Size][Size]Stone
	gameOver    bool
	winner      Stone
	winningLine []Coord
}

func NewBoard() *Board {
	return &Board{}
}

// Reset clears all cells and terminal flags.
func (that *Board) Reset() {
	*that = Board{}
}

// Place puts a stone and re-evaluates terminal state. It refuses, without
// mutation, when the game is over, the position is out of range or the
// cell is occupied.
func (that *Board) Place(row, col int, stone Stone) bool {
	if that.gameOver || !inRange(row, col) || stone == Empty {
		return false
	}

	if that.cells[row][col] != Empty {
		return false
	}

	that.cells[row][col] = stone

	if that.CheckWin(row, col, stone) {
		that.gameOver = true
		that.winner = stone
	}

	return true
}

// CheckWin reports whether the stone at (row, col) completes a run of
// five or more along any axis. A run blocked on both ends, or longer
// than five, still wins; that is the house rule, not an oversight.
// On a win the run's cells are recorded as the winning line.
func (that *Board) CheckWin(row, col int, stone Stone) bool {
	for _, axis := range axes {
		dr, dc := axis[0], axis[1]
		line := []Coord{{Row: row, Col: col}}

		r, c := row+dr, col+dc
		for inRange(r, c) && that.cells[r][c] == stone {
			line = append(line, Coord{Row: r, Col: c})
			r += dr
			c += dc
		}

		r, c = row-dr, col-dc
		for inRange(r, c) && that.cells[r][c] == stone {
			line = append(line, Coord{Row: r, Col: c})
			r -= dr
			c -= dc
		}

		if len(line) >= WinLength {
			sort.Slice(line, func(i, j int) bool {
				if line[i].Row != line[j].Row {
					return line[i].Row < line[j].Row
				}
				return line[i].Col < line[j].Col
			})
			that.winningLine = line

			return true
		}
	}

	return false
}

// CheckDraw is true once every cell is occupied and no win was detected.
func (that *Board) CheckDraw() bool {
	if that.gameOver {
		return false
	}

	for r := 0; r < Size; r++ {
		for c := 0; c < Size; c++ {
			if that.cells[r][c] == Empty {
				return false
			}
		}
	}

	return true
}

func (that *Board) IsOver() bool {
	return that.gameOver
}

func (that *Board) Winner() Stone {
	return that.winner
}

// WinningLine returns the run that ended the game, ordered by row then
// column. Empty until a win is detected.
func (that *Board) WinningLine() []Coord {
	line := make([]Coord, len(that.winningLine))
	copy(line, that.winningLine)

	return line
}

func (that *Board) At(row, col int) Stone {
	if !inRange(row, col) {
		return Empty
	}

	return that.cells[row][col]
}

// Cells returns a full copy of the grid for rendering.
func (that *Board) Cells() [][]Stone {
	grid := make([][]Stone, Size)
	for r := range grid {
		grid[r] = make([]Stone, Size)
		copy(grid[r], that.cells[r][:])
	}

	return grid
}

// Sparse serializes the board to its shared-document form: only occupied
// cells, keyed "row_col".
func (that *Board) Sparse() map[string]Stone {
	cells := make(map[string]Stone)
	for r := 0; r < Size; r++ {
		for c := 0; c < Size; c++ {
			if stone := that.cells[r][c]; stone != Empty {
				cells[CellKey(r, c)] = stone
			}
		}
	}

	return cells
}

// FromSparse rebuilds the grid from a sparse cell map, replacing any
// previous state. Cells are written directly, without terminal-state
// evaluation: the document's status field, not the local grid, decides
// whether the game is over. Unparseable or out-of-range keys are skipped.
func (that *Board) FromSparse(cells map[string]Stone) {
	that.Reset()

	for key, stone := range cells {
		row, col, err := ParseCellKey(key)
		if err != nil || !inRange(row, col) || stone == Empty {
			continue
		}

		that.cells[row][col] = stone
	}
}

// CellKey formats a board coordinate as a document field segment.
func CellKey(row, col int) string {
	return strconv.Itoa(row) + "_" + strconv.Itoa(col)
}

// ParseCellKey is the inverse of CellKey.
func ParseCellKey(key string) (row, col int, err error) {
	rowPart, colPart, ok := strings.Cut(key, "_")
	if !ok {
		return 0, 0, fmt.Errorf("malformed cell key %q", key)
	}

	row, err = strconv.Atoi(rowPart)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed cell key %q: %w", key, err)
	}

	col, err = strconv.Atoi(colPart)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed cell key %q: %w", key, err)
	}

	return row, col, nil
}

func inRange(row, col int) bool {
	return row >= 0 && row < Size && col >= 0 && col < Size
}
