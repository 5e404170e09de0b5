// Package flow реализует Flow State Machine.
//
// Driver продвигает flow-задание, которое воркер уже взял через claim:
//
//  1. Блокирует строку flow и читает FlowStatus (или создаёт начальный)
//  2. Выполняет модули по порядку, пока очередной модуль не потребует ждать
//  3. Отправляет дочерние задания для листьев, итераций циклов и веток
//  4. Паркует flow (running → suspended) или переносит его в completed
//
// Всё это — одна транзакция. Если воркер упадёт посреди шага, транзакция
// откатится, и любой другой воркер продолжит с последнего сохранённого
// FlowStatus после переотбора.
//
// Итерации циклов и ветки выполняются как дочерние flownode-задания,
// поэтому вложенность не требует стека в памяти.
package flow
